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
	"runtime"
	"sync/atomic"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// Metrics holds server-wide relay counters.
type Metrics struct {
	// Note: 64-bit fields accessed with atomic operations.
	connectionMadeCount     int64
	activeConnectionCount   int64
	rejectedConnectionCount int64
	udpPacketsForwarded     int64
	udpPacketsReturned      int64
}

// NewMetrics creates a Metrics.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// GetMetrics returns a snapshot of the relay counters. Counters other
// than the active connection gauge are cumulative.
func (metrics *Metrics) GetMetrics() LogFields {
	return LogFields{
		"connection_made_count":     atomic.LoadInt64(&metrics.connectionMadeCount),
		"active_connection_count":   atomic.LoadInt64(&metrics.activeConnectionCount),
		"rejected_connection_count": atomic.LoadInt64(&metrics.rejectedConnectionCount),
		"udp_packets_forwarded":     atomic.LoadInt64(&metrics.udpPacketsForwarded),
		"udp_packets_returned":      atomic.LoadInt64(&metrics.udpPacketsReturned),
	}
}

// logServerLoad emits a "server_load" event with golang runtime stats,
// host resource stats, and relay and user counters.
func logServerLoad(support *SupportServices) {

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	fields := LogFields{
		"event_name":    "server_load",
		"host_id":       support.Config.HostID,
		"num_goroutine": runtime.NumGoroutine(),
		"mem_stats": map[string]interface{}{
			"alloc":           memStats.Alloc,
			"total_alloc":     memStats.TotalAlloc,
			"sys":             memStats.Sys,
			"pause_total_ns":  memStats.PauseTotalNs,
			"num_gc":          memStats.NumGC,
			"gc_cpu_fraction": memStats.GCCPUFraction,
		},
	}

	// Host stats are best effort; some are unavailable on some
	// platforms.

	if virtualMemory, err := mem.VirtualMemory(); err == nil {
		fields["host_mem_used_percent"] = virtualMemory.UsedPercent
	}

	if loadAvg, err := load.Avg(); err == nil {
		fields["host_load_avg_1m"] = loadAvg.Load1
	}

	if cpuPercent, err := cpu.Percent(0, false); err == nil && len(cpuPercent) == 1 {
		fields["host_cpu_percent"] = cpuPercent[0]
	}

	fields.Add(support.Metrics.GetMetrics())
	fields.Add(support.Users.GetMetrics())
	fields.Add(support.ReplayHistory.GetMetrics())
	fields.Add(support.TargetResolver.GetMetrics())

	log.LogRawFieldsWithTimestamp(fields)
}
