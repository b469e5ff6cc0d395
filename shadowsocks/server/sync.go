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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aioshadowsocks/aioshadowsocks-go/shadowsocks/common/errors"
	"github.com/aioshadowsocks/aioshadowsocks-go/shadowsocks/common/prng"
)

const (
	SYNC_REQUEST_TIMEOUT    = 30 * time.Second
	SYNC_INTERVAL_JITTER    = 0.1
	SYNC_MAX_RESPONSE_BYTES = 16 * 1024 * 1024
)

// SyncService periodically fetches the user set from the panel web
// API and reports accumulated per-user traffic and client IPs back to
// it. The sync period is jittered to avoid synchronized load on the
// panel from many servers.
type SyncService struct {
	support           *SupportServices
	client            *http.Client
	shutdownBroadcast <-chan struct{}
}

// NewSyncService creates a SyncService.
func NewSyncService(
	support *SupportServices,
	shutdownBroadcast <-chan struct{}) *SyncService {

	return &SyncService{
		support: support,
		client: &http.Client{
			Timeout: SYNC_REQUEST_TIMEOUT,
		},
		shutdownBroadcast: shutdownBroadcast,
	}
}

// Run performs an immediate sync and then syncs on the configured
// period until the shutdown broadcast is closed. A final traffic
// report is attempted on shutdown.
func (sync *SyncService) Run() {

	config := sync.support.Config

	sync.syncOnce()

	for {
		timer := time.NewTimer(
			prng.JitterDuration(config.syncInterval, SYNC_INTERVAL_JITTER))
		select {
		case <-timer.C:
			sync.syncOnce()
		case <-sync.shutdownBroadcast:
			timer.Stop()
			sync.reportTraffic()
			return
		}
	}
}

func (sync *SyncService) syncOnce() {

	err := sync.fetchUsers()
	if err != nil {
		log.WithTraceFields(
			LogFields{"error": err}).Error("fetch users failed")
	}

	err = sync.reportTraffic()
	if err != nil {
		log.WithTraceFields(
			LogFields{"error": err}).Error("report traffic failed")
	}
}

// fetchUsers gets the current user set from the panel and applies it
// to the user database.
func (sync *SyncService) fetchUsers() error {

	response, err := sync.doRequest(http.MethodGet, "users", nil)
	if err != nil {
		return errors.Trace(err)
	}

	var list UserList
	err = json.Unmarshal(response, &list)
	if err != nil {
		return errors.Trace(err)
	}

	err = sync.support.Users.Apply(list.Users)
	if err != nil {
		return errors.Trace(err)
	}

	log.WithTraceFields(
		LogFields{"users": len(list.Users)}).Debug("synced users")

	return nil
}

// trafficReportRequest is the traffic report document posted to the
// panel web API.
type trafficReportRequest struct {
	HostID string           `json:"host_id"`
	Data   []*TrafficReport `json:"data"`
}

// reportTraffic posts traffic deltas accumulated since the last
// successful report. On failure the deltas are restored so no traffic
// is lost.
func (sync *SyncService) reportTraffic() error {

	reports := sync.support.Users.DrainTrafficReports()
	if len(reports) == 0 {
		return nil
	}

	request, err := json.Marshal(
		&trafficReportRequest{
			HostID: sync.support.Config.HostID,
			Data:   reports,
		})
	if err != nil {
		return errors.Trace(err)
	}

	_, err = sync.doRequest(http.MethodPost, "traffic", request)
	if err != nil {
		sync.restoreReports(reports)
		return errors.Trace(err)
	}

	return nil
}

// restoreReports re-credits drained traffic deltas after a failed
// report.
func (sync *SyncService) restoreReports(reports []*TrafficReport) {
	for _, report := range reports {
		state := sync.support.Users.Lookup(report.UserID)
		if state == nil {
			// User was removed in the interim; its final traffic is
			// dropped.
			continue
		}
		state.addTraffic(report.BytesUp, report.BytesDown)
		for _, IP := range report.ClientIPs {
			state.newIPMutex.Lock()
			state.newIPs = append(state.newIPs, IP)
			state.newIPMutex.Unlock()
		}
	}
}

func (sync *SyncService) doRequest(
	method, path string, body []byte) ([]byte, error) {

	config := sync.support.Config

	ctx, cancel := context.WithTimeout(
		context.Background(), SYNC_REQUEST_TIMEOUT)
	defer cancel()

	url := strings.TrimSuffix(config.APIEndpoint, "/") + "/" + path

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	request, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, errors.Trace(err)
	}

	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if config.APIToken != "" {
		request.Header.Set("Authorization", "Bearer "+config.APIToken)
	}

	response, err := sync.client.Do(request)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(
		io.LimitReader(response.Body, SYNC_MAX_RESPONSE_BYTES))
	if err != nil {
		return nil, errors.Trace(err)
	}

	if response.StatusCode != http.StatusOK {
		return nil, errors.Tracef(
			"unexpected response status: %d", response.StatusCode)
	}

	return responseBody, nil
}
