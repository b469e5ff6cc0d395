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

package common

import (
	"io"
	"net"
	"testing"
	"time"
)

func TestThrottledConn(t *testing.T) {

	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	rate := int64(100000)

	// The token bucket allows a one second burst, so transferring twice
	// the rate takes at least about a second.

	totalBytes := 2 * rate

	conn := NewThrottledConn(
		local,
		RateLimits{DownstreamBytesPerSecond: rate})

	go func() {
		payload := make([]byte, totalBytes)
		_, _ = remote.Write(payload)
	}()

	startTime := time.Now()

	n, err := io.CopyN(io.Discard, conn, totalBytes)
	if err != nil {
		t.Fatalf("CopyN failed: %s", err)
	}
	if n != totalBytes {
		t.Fatalf("unexpected bytes read: %d", n)
	}

	elapsed := time.Since(startTime)
	if elapsed < 500*time.Millisecond {
		t.Fatalf("read faster than rate limit allows: %s", elapsed)
	}
}

func TestThrottledConnUnlimited(t *testing.T) {

	limits := RateLimits{}
	if !limits.IsUnlimited() {
		t.Fatal("expected unlimited rate limits")
	}

	limits = RateLimits{DownstreamBytesPerSecond: 1}
	if limits.IsUnlimited() {
		t.Fatal("unexpected unlimited rate limits")
	}

	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	// Unlimited wrapping passes data straight through.

	conn := NewThrottledConn(local, RateLimits{})

	go func() {
		_, _ = remote.Write([]byte("passthrough"))
	}()

	buffer := make([]byte, 11)
	_, err := io.ReadFull(conn, buffer)
	if err != nil {
		t.Fatalf("ReadFull failed: %s", err)
	}
	if string(buffer) != "passthrough" {
		t.Fatalf("unexpected data: %q", buffer)
	}
}
