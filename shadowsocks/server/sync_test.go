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
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/aioshadowsocks/aioshadowsocks-go/shadowsocks/cipher"
)

type testPanel struct {
	mutex          sync.Mutex
	users          []*User
	trafficReports []*trafficReportRequest
	failTraffic    int32
}

func (panel *testPanel) serve(w http.ResponseWriter, r *http.Request) {

	if r.Header.Get("Authorization") != "Bearer test-api-token" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	switch r.URL.Path {

	case "/users":
		panel.mutex.Lock()
		response, err := json.Marshal(&UserList{Users: panel.users})
		panel.mutex.Unlock()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_, _ = w.Write(response)

	case "/traffic":
		if atomic.LoadInt32(&panel.failTraffic) != 0 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		var request trafficReportRequest
		err := json.NewDecoder(r.Body).Decode(&request)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		panel.mutex.Lock()
		panel.trafficReports = append(panel.trafficReports, &request)
		panel.mutex.Unlock()

	default:
		http.NotFound(w, r)
	}
}

func TestSyncService(t *testing.T) {

	panel := &testPanel{
		users: []*User{
			{ID: 1, Port: 8388, Method: cipher.AES_256_GCM, Password: "pw-1", Enable: true},
			{ID: 2, Port: 8388, Method: cipher.AES_256_GCM, Password: "pw-2", Enable: true},
		},
	}

	panelServer := httptest.NewServer(http.HandlerFunc(panel.serve))
	defer panelServer.Close()

	configJSON := fmt.Sprintf(`
        {
            "HostID": "test-host",
            "APIEndpoint": "%s",
            "APIToken": "test-api-token",
            "DNSServerAddress": "127.0.0.1:53"
        }`, panelServer.URL)

	config, err := LoadConfig([]byte(configJSON))
	if err != nil {
		t.Fatalf("LoadConfig failed: %s", err)
	}

	support, err := NewSupportServices(config)
	if err != nil {
		t.Fatalf("NewSupportServices failed: %s", err)
	}

	shutdownBroadcast := make(chan struct{})
	defer close(shutdownBroadcast)
	syncService := NewSyncService(support, shutdownBroadcast)

	// The first sync fetches the user set; there is no traffic to
	// report yet.

	syncService.syncOnce()

	if support.Users.Count() != 2 {
		t.Fatalf("unexpected user count: %d", support.Users.Count())
	}

	panel.mutex.Lock()
	reportCount := len(panel.trafficReports)
	panel.mutex.Unlock()
	if reportCount != 0 {
		t.Fatalf("unexpected traffic reports: %d", reportCount)
	}

	state := support.Users.Lookup(1)
	if state == nil {
		t.Fatal("missing user state")
	}
	state.addTraffic(1000, 2000)
	state.recordClientIP("203.0.113.9")

	syncService.syncOnce()

	panel.mutex.Lock()
	if len(panel.trafficReports) != 1 {
		panel.mutex.Unlock()
		t.Fatal("expected one traffic report")
	}
	report := panel.trafficReports[0]
	panel.mutex.Unlock()

	if report.HostID != "test-host" {
		t.Fatalf("unexpected host ID: %s", report.HostID)
	}
	if len(report.Data) != 1 {
		t.Fatalf("unexpected report data length: %d", len(report.Data))
	}
	if report.Data[0].UserID != 1 ||
		report.Data[0].BytesUp != 1000 ||
		report.Data[0].BytesDown != 2000 {
		t.Fatalf("unexpected report data: %+v", report.Data[0])
	}
	if len(report.Data[0].ClientIPs) != 1 ||
		report.Data[0].ClientIPs[0] != "203.0.113.9" {
		t.Fatalf("unexpected client IPs: %v", report.Data[0].ClientIPs)
	}

	// Drained deltas must not be reported twice.

	err = syncService.reportTraffic()
	if err != nil {
		t.Fatalf("reportTraffic failed: %s", err)
	}
	panel.mutex.Lock()
	reportCount = len(panel.trafficReports)
	panel.mutex.Unlock()
	if reportCount != 1 {
		t.Fatalf("unexpected traffic reports: %d", reportCount)
	}
}

func TestSyncServiceRestoreOnFailure(t *testing.T) {

	panel := &testPanel{
		users: []*User{
			{ID: 1, Port: 8388, Method: cipher.AES_256_GCM, Password: "pw-1", Enable: true},
		},
	}

	panelServer := httptest.NewServer(http.HandlerFunc(panel.serve))
	defer panelServer.Close()

	configJSON := fmt.Sprintf(`
        {
            "HostID": "test-host",
            "APIEndpoint": "%s",
            "APIToken": "test-api-token",
            "DNSServerAddress": "127.0.0.1:53"
        }`, panelServer.URL)

	config, err := LoadConfig([]byte(configJSON))
	if err != nil {
		t.Fatalf("LoadConfig failed: %s", err)
	}

	support, err := NewSupportServices(config)
	if err != nil {
		t.Fatalf("NewSupportServices failed: %s", err)
	}

	shutdownBroadcast := make(chan struct{})
	defer close(shutdownBroadcast)
	syncService := NewSyncService(support, shutdownBroadcast)

	err = syncService.fetchUsers()
	if err != nil {
		t.Fatalf("fetchUsers failed: %s", err)
	}

	state := support.Users.Lookup(1)
	if state == nil {
		t.Fatal("missing user state")
	}
	state.addTraffic(500, 600)

	atomic.StoreInt32(&panel.failTraffic, 1)

	err = syncService.reportTraffic()
	if err == nil {
		t.Fatal("unexpected reportTraffic success")
	}

	// The failed report's deltas were restored and are reported by the
	// next successful sync.

	atomic.StoreInt32(&panel.failTraffic, 0)

	err = syncService.reportTraffic()
	if err != nil {
		t.Fatalf("reportTraffic failed: %s", err)
	}

	panel.mutex.Lock()
	defer panel.mutex.Unlock()
	if len(panel.trafficReports) != 1 {
		t.Fatal("expected one traffic report")
	}
	report := panel.trafficReports[0]
	if len(report.Data) != 1 ||
		report.Data[0].BytesUp != 500 ||
		report.Data[0].BytesDown != 600 {
		t.Fatalf("unexpected report data: %+v", report.Data)
	}
}
