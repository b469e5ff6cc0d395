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
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aioshadowsocks/aioshadowsocks-go/shadowsocks/cipher"
	"github.com/aioshadowsocks/aioshadowsocks-go/shadowsocks/common"
	"github.com/aioshadowsocks/aioshadowsocks-go/shadowsocks/common/errors"
	"github.com/aioshadowsocks/aioshadowsocks-go/shadowsocks/protocol"
)

const RELAY_BUFFER_SIZE = 32 * 1024

// TCPService relays encrypted TCP connections for one listening port.
type TCPService struct {
	support           *SupportServices
	port              int
	listener          net.Listener
	conns             *common.Conns
	waitGroup         *sync.WaitGroup
	shutdownBroadcast <-chan struct{}
}

// NewTCPService creates a TCPService listening on the specified port.
func NewTCPService(
	support *SupportServices,
	port int,
	shutdownBroadcast <-chan struct{}) (*TCPService, error) {

	listener, err := net.Listen(
		"tcp", net.JoinHostPort(
			support.Config.ListenIPAddress, strconv.Itoa(port)))
	if err != nil {
		return nil, errors.Trace(err)
	}

	return &TCPService{
		support:           support,
		port:              port,
		listener:          listener,
		conns:             common.NewConns(),
		waitGroup:         new(sync.WaitGroup),
		shutdownBroadcast: shutdownBroadcast,
	}, nil
}

// Run accepts and relays connections until Stop is called or the
// shutdown broadcast is closed.
func (service *TCPService) Run() {

	log.WithTraceFields(
		LogFields{"port": service.port}).Info("TCP service running")

	for {
		conn, err := service.listener.Accept()
		if err != nil {
			select {
			case <-service.shutdownBroadcast:
			default:
				if e, ok := err.(net.Error); ok && e.Timeout() {
					continue
				}
				log.WithTraceFields(
					LogFields{
						"port":  service.port,
						"error": err}).Error("accept failed")
			}
			return
		}

		service.waitGroup.Add(1)
		go func() {
			defer service.waitGroup.Done()
			service.handleConnection(conn)
		}()
	}
}

// Stop closes the listener and all relayed connections and awaits
// handler completion.
func (service *TCPService) Stop() {
	service.listener.Close()
	service.conns.CloseAll()
	service.waitGroup.Wait()

	log.WithTraceFields(
		LogFields{"port": service.port}).Info("TCP service stopped")
}

// trafficUpdater feeds relayed byte counts from an
// ActivityMonitoredConn into a user's traffic counters. Bytes read
// from the client are upstream traffic; bytes written to the client
// are downstream.
type trafficUpdater struct {
	state *userState
}

func (updater *trafficUpdater) UpdateProgress(bytesRead, bytesWritten int64) {
	updater.state.addTraffic(bytesRead, bytesWritten)
}

func (service *TCPService) handleConnection(clientConn net.Conn) {

	defer clientConn.Close()

	if !service.conns.Add(clientConn) {
		return
	}
	defer service.conns.Remove(clientConn)

	config := service.support.Config
	metrics := service.support.Metrics
	clientIP := common.IPAddressFromAddr(clientConn.RemoteAddr())

	port := service.support.Users.LookupPort(service.port)
	if port == nil {
		return
	}

	// The handshake, trial decryption through target dial, must
	// complete within the dial timeout. The inactivity timeout takes
	// over once relaying begins.
	err := clientConn.SetDeadline(time.Now().Add(config.tcpDialTimeout))
	if err != nil {
		return
	}

	// Read the salt and the first sealed size block, sufficient to
	// attribute the connection to a user by trial decryption.

	saltSize := port.saltSize()
	probe := make([]byte, saltSize+2+cipher.AEADTagSize)
	_, err = io.ReadFull(clientConn, probe)
	if err != nil {
		metrics.rejectConnection()
		log.WithTraceFields(
			LogFields{
				"port":      service.port,
				"client_ip": clientIP,
				"error":     err}).Debug("read handshake failed")
		return
	}

	salt := probe[:saltSize]

	if !service.support.ReplayHistory.CheckSalt(salt) {
		metrics.rejectConnection()
		log.WithTraceFields(
			LogFields{
				"port":      service.port,
				"client_ip": clientIP}).Warning("replayed salt")
		return
	}

	state := attributeConnection(port, salt, probe[saltSize:])
	if state == nil {
		metrics.rejectConnection()
		log.WithTraceFields(
			LogFields{
				"port":      service.port,
				"client_ip": clientIP}).Warning("no matching user")
		return
	}

	user, userCipher := state.snapshot()

	if !state.beginTCPConn() {
		metrics.rejectConnection()
		log.WithTraceFields(
			LogFields{
				"port":      service.port,
				"user_id":   user.ID,
				"client_ip": clientIP}).Warning("connection limit exceeded")
		return
	}
	defer state.endTCPConn()

	metrics.madeConnection()
	defer metrics.closeConnection()

	state.recordClientIP(clientIP)

	// Wrap the raw connection with traffic accounting and the
	// post-handshake inactivity timeout, then throttling, then the
	// decrypt/encrypt stream. The probe bytes already read are
	// replayed into the stream reader.

	activityConn, err := common.NewActivityMonitoredConn(
		clientConn,
		config.tcpIdleTimeout,
		true,
		&trafficUpdater{state})
	if err != nil {
		log.WithTraceFields(LogFields{"error": err}).Error(
			"NewActivityMonitoredConn failed")
		return
	}

	var monitoredConn net.Conn = activityConn

	limits := state.rateLimits()
	if !limits.IsUnlimited() {
		monitoredConn = common.NewThrottledConn(monitoredConn, limits)
	}

	streamReader := cipher.NewReader(
		io.MultiReader(bytes.NewReader(probe), monitoredConn), userCipher)
	ssConn := cipher.NewStreamConnWithReader(
		monitoredConn, streamReader, userCipher)

	// Read the target address from the decrypted stream.

	targetAddress, err := protocol.ReadAddress(ssConn)
	if err != nil {
		metrics.rejectConnection()
		log.WithTraceFields(
			LogFields{
				"port":      service.port,
				"user_id":   user.ID,
				"client_ip": clientIP,
				"error":     err}).Warning("read target address failed")
		return
	}

	targetConn, err := service.dialTarget(targetAddress)
	if err != nil {
		log.WithTraceFields(
			LogFields{
				"user_id":   user.ID,
				"client_ip": clientIP,
				"target":    targetAddress.String(),
				"error":     err}).Warning("connect to target failed")
		return
	}
	defer targetConn.Close()

	log.WithTraceFields(
		LogFields{
			"user_id":   user.ID,
			"client_ip": clientIP,
			"target":    targetAddress.String()}).Debug("relaying")

	bytesUp, bytesDown, err := relayStreams(ssConn, targetConn)

	logFields := LogFields{
		"event_name": "tcp_relay_done",
		"host_id":    config.HostID,
		"user_id":    user.ID,
		"client_ip":  clientIP,
		"target":     targetAddress.String(),
		"bytes_up":   bytesUp,
		"bytes_down": bytesDown,
		"duration":   activityConn.GetActiveDuration() / time.Millisecond,
	}
	if err != nil {
		logFields["error"] = err
	}
	log.LogRawFieldsWithTimestamp(logFields)
}

// attributeConnection identifies which of the port's users sealed the
// stream, by trying to open the first size block with each user's key.
func attributeConnection(
	port *portState, salt, sizeBlock []byte) *userState {

	for _, state := range port.users {
		if !state.isEnabled() {
			continue
		}
		if cipher.TrialDecryptSizeBlock(state.getCipher(), salt, sizeBlock) {
			return state
		}
	}
	return nil
}

// dialTarget resolves and dials the relay target, rejecting bogon
// destinations unless configured otherwise.
func (service *TCPService) dialTarget(
	targetAddress *protocol.Address) (net.Conn, error) {

	config := service.support.Config

	ctx, cancel := context.WithTimeout(
		context.Background(), config.tcpDialTimeout)
	defer cancel()

	IP, err := service.support.TargetResolver.ResolveIP(
		ctx, targetAddress.Host())
	if err != nil {
		return nil, errors.Trace(err)
	}

	if !config.AllowBogonDestinations && common.IsBogon(IP) {
		return nil, errors.Tracef(
			"disallowed destination: %s", IP.String())
	}

	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(
		ctx,
		"tcp",
		net.JoinHostPort(IP.String(), strconv.Itoa(targetAddress.Port)))
	if err != nil {
		return nil, errors.Trace(err)
	}

	return conn, nil
}

// relayStreams copies data between the client stream and the target
// until both directions close or either fails. Returns upstream and
// downstream plaintext byte counts.
func relayStreams(
	clientConn, targetConn net.Conn) (int64, int64, error) {

	var bytesUp, bytesDown int64
	var upErr, downErr error

	waitGroup := new(sync.WaitGroup)
	waitGroup.Add(1)
	go func() {
		defer waitGroup.Done()
		bytesUp, upErr = io.CopyBuffer(
			targetConn, clientConn, make([]byte, RELAY_BUFFER_SIZE))
		// Half-close the target so it observes the client's EOF.
		if tcpConn, ok := targetConn.(*net.TCPConn); ok {
			tcpConn.CloseWrite()
		} else {
			targetConn.Close()
		}
	}()

	var err error
	bytesDown, downErr = io.CopyBuffer(
		clientConn, targetConn, make([]byte, RELAY_BUFFER_SIZE))
	// Unblock the upstream copy.
	clientConn.Close()

	waitGroup.Wait()

	if downErr != nil {
		err = downErr
	} else if upErr != nil && upErr != io.EOF {
		err = upErr
	}

	return bytesUp, bytesDown, err
}

func (metrics *Metrics) madeConnection() {
	atomic.AddInt64(&metrics.connectionMadeCount, 1)
	atomic.AddInt64(&metrics.activeConnectionCount, 1)
}

func (metrics *Metrics) closeConnection() {
	atomic.AddInt64(&metrics.activeConnectionCount, -1)
}

func (metrics *Metrics) rejectConnection() {
	atomic.AddInt64(&metrics.rejectedConnectionCount, 1)
}
