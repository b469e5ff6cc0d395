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
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/aioshadowsocks/aioshadowsocks-go/shadowsocks/common"
	"github.com/aioshadowsocks/aioshadowsocks-go/shadowsocks/common/errors"
)

const (
	WEB_SERVICE_READ_TIMEOUT     = 10 * time.Second
	WEB_SERVICE_WRITE_TIMEOUT    = 10 * time.Second
	WEB_SERVICE_SHUTDOWN_TIMEOUT = 5 * time.Second
)

// RunWebService runs a local status web service until the shutdown
// broadcast is closed. The service exposes the current relay and user
// counters as JSON, for consumption by local monitoring agents. It is
// intended to be bound to localhost only.
func RunWebService(
	support *SupportServices,
	shutdownBroadcast <-chan struct{}) error {

	listener, err := net.Listen("tcp", support.Config.WebServiceAddress)
	if err != nil {
		return errors.Trace(err)
	}

	serveMux := http.NewServeMux()
	serveMux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		status := LogFields{
			"host_id":   support.Config.HostID,
			"timestamp": common.GetCurrentTimestamp(),
		}
		status.Add(support.Metrics.GetMetrics())
		status.Add(support.Users.GetMetrics())

		w.Header().Set("Content-Type", "application/json")
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "    ")
		err := encoder.Encode(status)
		if err != nil {
			log.WithTraceFields(
				LogFields{"error": err}).Warning("write status failed")
		}
	})

	server := &http.Server{
		Handler:      serveMux,
		ReadTimeout:  WEB_SERVICE_READ_TIMEOUT,
		WriteTimeout: WEB_SERVICE_WRITE_TIMEOUT,
	}

	serveError := make(chan error, 1)
	go func() {
		serveError <- server.Serve(listener)
	}()

	log.WithTraceFields(
		LogFields{
			"address": support.Config.WebServiceAddress}).Info(
		"web service running")

	select {
	case <-shutdownBroadcast:
		ctx, cancel := context.WithTimeout(
			context.Background(), WEB_SERVICE_SHUTDOWN_TIMEOUT)
		defer cancel()
		_ = server.Shutdown(ctx)
		return nil

	case err := <-serveError:
		if err == http.ErrServerClosed {
			return nil
		}
		return errors.Trace(err)
	}
}
