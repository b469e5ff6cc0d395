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
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aioshadowsocks/aioshadowsocks-go/shadowsocks/cipher"
)

func TestWebService(t *testing.T) {

	usersFilename := filepath.Join(t.TempDir(), "users.config")
	content, err := json.Marshal(&UserList{Users: []*User{
		{ID: 1, Port: 8388, Method: cipher.AES_256_GCM,
			Password: "pw-1", Enable: true},
	}})
	if err != nil {
		t.Fatalf("Marshal failed: %s", err)
	}
	err = os.WriteFile(usersFilename, content, 0600)
	if err != nil {
		t.Fatalf("WriteFile failed: %s", err)
	}

	webPort := freeTCPPort(t)

	configJSON := fmt.Sprintf(`
        {
            "HostID": "test-host",
            "UsersFilename": "%s",
            "DNSServerAddress": "127.0.0.1:53",
            "WebServiceAddress": "127.0.0.1:%d"
        }`, usersFilename, webPort)

	config, err := LoadConfig([]byte(configJSON))
	if err != nil {
		t.Fatalf("LoadConfig failed: %s", err)
	}
	if !config.RunWebService() {
		t.Fatal("expected web service enabled")
	}

	support, err := NewSupportServices(config)
	if err != nil {
		t.Fatalf("NewSupportServices failed: %s", err)
	}

	shutdownBroadcast := make(chan struct{})
	serviceDone := make(chan error, 1)
	go func() {
		serviceDone <- RunWebService(support, shutdownBroadcast)
	}()

	statusURL := fmt.Sprintf("http://127.0.0.1:%d/status", webPort)

	// Poll until the listener is up.

	var response *http.Response
	for i := 0; i < 50; i++ {
		response, err = http.Get(statusURL)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("Get failed: %s", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", response.StatusCode)
	}

	var status map[string]interface{}
	err = json.NewDecoder(response.Body).Decode(&status)
	if err != nil {
		t.Fatalf("Decode failed: %s", err)
	}

	if status["host_id"] != "test-host" {
		t.Fatalf("unexpected host_id: %v", status["host_id"])
	}
	if status["users"] != float64(1) {
		t.Fatalf("unexpected users: %v", status["users"])
	}
	if _, ok := status["active_connection_count"]; !ok {
		t.Fatal("missing active_connection_count")
	}

	close(shutdownBroadcast)
	err = <-serviceDone
	if err != nil {
		t.Fatalf("RunWebService failed: %s", err)
	}
}
