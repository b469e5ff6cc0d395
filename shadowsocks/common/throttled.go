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

	"github.com/juju/ratelimit"
)

// RateLimits specify the rate limits for a ThrottledConn.
type RateLimits struct {

	// DownstreamBytesPerSecond specifies a rate limit for downstream
	// data transfer. The default, 0, is no limit.
	DownstreamBytesPerSecond int64

	// UpstreamBytesPerSecond specifies a rate limit for upstream
	// data transfer. The default, 0, is no limit.
	UpstreamBytesPerSecond int64
}

// IsUnlimited indicates whether any rate limit is configured.
func (limits RateLimits) IsUnlimited() bool {
	return limits.DownstreamBytesPerSecond == 0 &&
		limits.UpstreamBytesPerSecond == 0
}

// ThrottledConn wraps a net.Conn with read and write rate limiters.
// Rates are specified as bytes per second. Specify limit values of 0
// to set no rate limit.
// The underlying rate limiter uses the token bucket algorithm to
// calculate delay times for read and write operations.
type ThrottledConn struct {
	limitedReader io.Reader
	limitedWriter io.Writer
	net.Conn
}

const throttleChunkSize = 4096

// NewThrottledConn initializes a new ThrottledConn.
func NewThrottledConn(conn net.Conn, limits RateLimits) *ThrottledConn {

	// When no limit is specified, the rate limited reader/writer
	// is simply the base reader/writer.

	var reader io.Reader
	if limits.DownstreamBytesPerSecond == 0 {
		reader = conn
	} else {
		reader = ratelimit.Reader(conn,
			ratelimit.NewBucketWithRate(
				float64(limits.DownstreamBytesPerSecond),
				limits.DownstreamBytesPerSecond))
	}

	var writer io.Writer
	if limits.UpstreamBytesPerSecond == 0 {
		writer = conn
	} else {
		writer = ratelimit.Writer(conn,
			ratelimit.NewBucketWithRate(
				float64(limits.UpstreamBytesPerSecond),
				limits.UpstreamBytesPerSecond))
	}

	return &ThrottledConn{
		Conn:          conn,
		limitedReader: reader,
		limitedWriter: writer,
	}
}

func (conn *ThrottledConn) Read(buffer []byte) (int, error) {

	// When throttling, read small chunks to avoid
	// excessive latency due to long waits in limitedReader.Read.

	if len(buffer) <= throttleChunkSize {
		return conn.limitedReader.Read(buffer)
	}

	return conn.limitedReader.Read(buffer[0:throttleChunkSize])
}

func (conn *ThrottledConn) Write(buffer []byte) (int, error) {

	// When throttling, write buffer in small chunks to avoid
	// excessive latency due to long waits in limitedWriter.Write.

	bytesWritten := 0

	for i := 0; i < len(buffer); i += throttleChunkSize {

		start := i
		end := start + throttleChunkSize
		if end > len(buffer) {
			end = len(buffer)
		}

		n, err := conn.limitedWriter.Write(buffer[start:end])
		bytesWritten += n
		if err != nil {
			// Note: no trace error as caller may check for io.EOF, etc.
			return bytesWritten, err
		}
	}

	return bytesWritten, nil
}
