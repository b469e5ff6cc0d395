/*
 * Copyright (c) 2024, aioshadowsocks Authors.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package server

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {

	configJSON := []byte(`
        {
            "UsersFilename": "users.config",
            "SyncIntervalSeconds": 30,
            "WebServiceAddress": "127.0.0.1:6001"
        }`)

	config, err := LoadConfig(configJSON)
	require.NoError(t, err)

	assert.Equal(t, DEFAULT_LOG_LEVEL, config.LogLevel)
	assert.Equal(t, DEFAULT_LISTEN_IP_ADDRESS, config.ListenIPAddress)
	assert.Equal(t, 30*time.Second, config.syncInterval)
	assert.Equal(t, DEFAULT_TCP_IDLE_TIMEOUT, config.tcpIdleTimeout)
	assert.False(t, config.RunSyncService())
	assert.True(t, config.RunWebService())
	assert.True(t, config.RunLoadMonitor())
}

func TestLoadConfigInvalid(t *testing.T) {

	testCases := []struct {
		description string
		configJSON  string
	}{
		{
			"no user source",
			`{}`,
		},
		{
			"invalid listen IP address",
			`{"UsersFilename": "users.config", "ListenIPAddress": "not-an-ip"}`,
		},
		{
			"invalid API endpoint",
			`{"APIEndpoint": "ftp://panel.example.com"}`,
		},
		{
			"invalid DNS server address",
			`{"UsersFilename": "users.config", "DNSServerAddress": "dns.example.com:53"}`,
		},
		{
			"invalid web service address",
			`{"UsersFilename": "users.config", "WebServiceAddress": "127.0.0.1:-1"}`,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.description, func(t *testing.T) {
			_, err := LoadConfig([]byte(testCase.configJSON))
			assert.Error(t, err)
		})
	}
}

func TestGenerateConfig(t *testing.T) {

	configFileContents, usersFileContents, err := GenerateConfig(
		&GenerateConfigParams{
			UsersFilename: "users.config",
		})
	require.NoError(t, err)

	config, err := LoadConfig(configFileContents)
	require.NoError(t, err)
	assert.Equal(t, "users.config", config.UsersFilename)

	var list UserList
	err = json.Unmarshal(usersFileContents, &list)
	require.NoError(t, err)
	require.Len(t, list.Users, 1)
	assert.NotEmpty(t, list.Users[0].Password)
	require.NoError(t, ValidateUserList(list.Users))
}
