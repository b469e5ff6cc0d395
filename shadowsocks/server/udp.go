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
	"net"
	"sync"
	"sync/atomic"

	gocache "github.com/patrickmn/go-cache"

	"github.com/aioshadowsocks/aioshadowsocks-go/shadowsocks/cipher"
	"github.com/aioshadowsocks/aioshadowsocks-go/shadowsocks/common"
	"github.com/aioshadowsocks/aioshadowsocks-go/shadowsocks/common/errors"
	"github.com/aioshadowsocks/aioshadowsocks-go/shadowsocks/protocol"
)

// UDP_PACKET_BUFFER_SIZE is larger than any single shadowsocks UDP
// packet: max UDP payload plus salt and tag overhead.
const UDP_PACKET_BUFFER_SIZE = 64 * 1024

// UDPService relays encrypted UDP packets for one listening port.
//
// Each distinct client address is a NAT session owning an ephemeral
// upstream socket. Sessions expire after the configured NAT timeout
// with no upstream traffic.
type UDPService struct {
	support           *SupportServices
	port              int
	conn              *net.UDPConn
	nat               *gocache.Cache
	waitGroup         *sync.WaitGroup
	shutdownBroadcast <-chan struct{}
}

// natSession is one client's UDP relay state: the attributed user and
// the upstream socket whose local port is this client's NAT mapping.
type natSession struct {
	service    *UDPService
	state      *userState
	clientAddr *net.UDPAddr
	targetConn *net.UDPConn
	closed     int32
}

func (session *natSession) close() {
	if !atomic.CompareAndSwapInt32(&session.closed, 0, 1) {
		return
	}
	session.targetConn.Close()
	atomic.AddInt64(&session.state.activeUDPSessions, -1)
}

// NewUDPService creates a UDPService listening on the specified port.
func NewUDPService(
	support *SupportServices,
	port int,
	shutdownBroadcast <-chan struct{}) (*UDPService, error) {

	listenAddr := &net.UDPAddr{
		IP:   net.ParseIP(support.Config.ListenIPAddress),
		Port: port,
	}
	conn, err := net.ListenUDP("udp", listenAddr)
	if err != nil {
		return nil, errors.Trace(err)
	}

	service := &UDPService{
		support: support,
		port:    port,
		conn:    conn,
		nat: gocache.New(
			support.Config.udpNATTimeout,
			support.Config.udpNATTimeout/2),
		waitGroup:         new(sync.WaitGroup),
		shutdownBroadcast: shutdownBroadcast,
	}

	// Expired NAT sessions must close their upstream socket, which
	// also terminates the downstream relay goroutine.
	service.nat.OnEvicted(func(key string, entry interface{}) {
		entry.(*natSession).close()
	})

	return service, nil
}

// Run reads and relays packets until Stop is called or the shutdown
// broadcast is closed.
func (service *UDPService) Run() {

	log.WithTraceFields(
		LogFields{"port": service.port}).Info("UDP service running")

	packet := make([]byte, UDP_PACKET_BUFFER_SIZE)

	for {
		n, clientAddr, err := service.conn.ReadFromUDP(packet)
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
						"error": err}).Error("read packet failed")
			}
			return
		}

		service.handlePacket(packet[:n], clientAddr)
	}
}

// Stop closes the listener and all NAT sessions and awaits relay
// goroutine completion.
func (service *UDPService) Stop() {
	service.conn.Close()
	for _, item := range service.nat.Items() {
		item.Object.(*natSession).close()
	}
	service.nat.Flush()
	service.waitGroup.Wait()

	log.WithTraceFields(
		LogFields{"port": service.port}).Info("UDP service stopped")
}

func (service *UDPService) handlePacket(
	packet []byte, clientAddr *net.UDPAddr) {

	metrics := service.support.Metrics

	port := service.support.Users.LookupPort(service.port)
	if port == nil {
		return
	}

	saltSize := port.saltSize()
	if len(packet) < saltSize+cipher.AEADTagSize {
		return
	}

	if !service.support.ReplayHistory.CheckSalt(packet[:saltSize]) {
		log.WithTraceFields(
			LogFields{
				"port":      service.port,
				"client_ip": clientAddr.IP.String()}).Warning(
			"replayed salt")
		return
	}

	state, plaintext := attributePacket(port, packet)
	if state == nil {
		log.WithTraceFields(
			LogFields{
				"port":      service.port,
				"client_ip": clientAddr.IP.String()}).Warning(
			"no matching user")
		return
	}

	targetAddress, consumed, err := protocol.ParseAddress(plaintext)
	if err != nil {
		log.WithTraceFields(
			LogFields{
				"port":  service.port,
				"error": err}).Warning("parse target address failed")
		return
	}
	payload := plaintext[consumed:]

	session, err := service.lookupSession(state, clientAddr)
	if err != nil {
		log.WithTraceFields(
			LogFields{
				"port":  service.port,
				"error": err}).Warning("create NAT session failed")
		return
	}
	if session == nil {
		// NAT table is full or the packet belongs to another user's
		// session.
		return
	}

	targetUDPAddr, err := service.resolveTarget(targetAddress)
	if err != nil {
		log.WithTraceFields(
			LogFields{
				"target": targetAddress.String(),
				"error":  err}).Warning("resolve target failed")
		return
	}

	_, err = session.targetConn.WriteToUDP(payload, targetUDPAddr)
	if err != nil {
		log.WithTraceFields(
			LogFields{"error": err}).Debug("forward packet failed")
		return
	}

	state.addTraffic(int64(len(packet)), 0)
	state.recordClientIP(clientAddr.IP.String())
	atomic.AddInt64(&metrics.udpPacketsForwarded, 1)

	// Refresh the NAT mapping.
	service.nat.SetDefault(clientAddr.String(), session)
}

// attributePacket identifies which of the port's users sealed the
// packet, returning the user and the decrypted payload.
func attributePacket(
	port *portState, packet []byte) (*userState, []byte) {

	for _, state := range port.users {
		if !state.isEnabled() {
			continue
		}
		plaintext, err := cipher.TrialUnpackPacket(packet, state.getCipher())
		if err == nil {
			return state, plaintext
		}
	}
	return nil, nil
}

// lookupSession returns the NAT session for the client address,
// creating it when absent. Returns nil when the packet's attributed
// user does not own the existing session, or the NAT table is full.
func (service *UDPService) lookupSession(
	state *userState, clientAddr *net.UDPAddr) (*natSession, error) {

	key := clientAddr.String()

	if cached, ok := service.nat.Get(key); ok {
		session := cached.(*natSession)
		if session.state != state {
			return nil, nil
		}
		return session, nil
	}

	config := service.support.Config
	if config.MaxUDPNATEntries > 0 &&
		service.nat.ItemCount() >= config.MaxUDPNATEntries {
		return nil, nil
	}

	targetConn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, errors.Trace(err)
	}

	session := &natSession{
		service:    service,
		state:      state,
		clientAddr: clientAddr,
		targetConn: targetConn,
	}

	atomic.AddInt64(&state.activeUDPSessions, 1)
	service.nat.SetDefault(key, session)

	service.waitGroup.Add(1)
	go func() {
		defer service.waitGroup.Done()
		service.relayDownstream(session)
	}()

	return session, nil
}

// relayDownstream reads packets from the upstream socket and returns
// them to the client, sealed and prefixed with the origin address
// header. Runs until the upstream socket is closed by NAT expiry or
// service stop.
func (service *UDPService) relayDownstream(session *natSession) {

	defer session.close()

	packet := make([]byte, UDP_PACKET_BUFFER_SIZE)
	plaintext := make([]byte, 0, UDP_PACKET_BUFFER_SIZE+protocol.MaxAddressLength)
	sealed := make(
		[]byte,
		UDP_PACKET_BUFFER_SIZE+protocol.MaxAddressLength+
			cipher.MaxSaltSize+cipher.AEADTagSize)

	for {
		n, fromAddr, err := session.targetConn.ReadFromUDP(packet)
		if err != nil {
			return
		}

		// The response the client expects is [origin address][payload],
		// sealed with the user's key.

		plaintext, err = protocol.AppendAddress(plaintext[:0], fromAddr)
		if err != nil {
			continue
		}
		plaintext = append(plaintext, packet[:n]...)

		response, err := cipher.PackPacket(
			sealed, plaintext, session.state.getCipher())
		if err != nil {
			log.WithTraceFields(
				LogFields{"error": err}).Debug("seal packet failed")
			continue
		}

		_, err = service.conn.WriteToUDP(response, session.clientAddr)
		if err != nil {
			return
		}

		session.state.addTraffic(0, int64(len(response)))
		atomic.AddInt64(&service.support.Metrics.udpPacketsReturned, 1)

		service.nat.SetDefault(session.clientAddr.String(), session)
	}
}

// resolveTarget resolves the target address to a UDP address,
// rejecting bogon destinations unless configured otherwise.
func (service *UDPService) resolveTarget(
	targetAddress *protocol.Address) (*net.UDPAddr, error) {

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

	return &net.UDPAddr{IP: IP, Port: targetAddress.Port}, nil
}
