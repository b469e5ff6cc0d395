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
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aioshadowsocks/aioshadowsocks-go/shadowsocks/cipher"
	"github.com/aioshadowsocks/aioshadowsocks-go/shadowsocks/protocol"
)

// newTestSupport builds SupportServices from a users file written to a
// temp directory. Bogon destinations are allowed so relays can target
// loopback test servers, and the DNS server address is set so the
// system resolver configuration is never read; the tests only relay to
// IP literal targets, which are not resolved.
func newTestSupport(t *testing.T, users []*User) *SupportServices {

	usersFilename := filepath.Join(t.TempDir(), "users.config")
	content, err := json.Marshal(&UserList{Users: users})
	if err != nil {
		t.Fatalf("Marshal failed: %s", err)
	}
	err = os.WriteFile(usersFilename, content, 0600)
	if err != nil {
		t.Fatalf("WriteFile failed: %s", err)
	}

	configJSON := fmt.Sprintf(`
        {
            "HostID": "test-host",
            "ListenIPAddress": "127.0.0.1",
            "UsersFilename": "%s",
            "AllowBogonDestinations": true,
            "DNSServerAddress": "127.0.0.1:53"
        }`, usersFilename)

	config, err := LoadConfig([]byte(configJSON))
	if err != nil {
		t.Fatalf("LoadConfig failed: %s", err)
	}

	support, err := NewSupportServices(config)
	if err != nil {
		t.Fatalf("NewSupportServices failed: %s", err)
	}

	return support
}

func freeTCPPort(t *testing.T) int {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %s", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	listener.Close()
	return port
}

func freeUDPPort(t *testing.T) int {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket failed: %s", err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	conn.Close()
	return port
}

// runTCPEchoServer starts a TCP server echoing all received data back
// to the sender.
func runTCPEchoServer(t *testing.T) (*net.TCPAddr, func()) {

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %s", err)
	}

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				_, _ = io.Copy(conn, conn)
				conn.Close()
			}()
		}
	}()

	return listener.Addr().(*net.TCPAddr), func() { listener.Close() }
}

// dialRelay connects to the relay service port and performs the
// client-side handshake: an encrypted stream opening with the target
// address.
func dialRelay(
	t *testing.T,
	servicePort int,
	userCipher *cipher.Cipher,
	target *net.TCPAddr) *cipher.StreamConn {

	conn, err := net.DialTimeout(
		"tcp", fmt.Sprintf("127.0.0.1:%d", servicePort), 5*time.Second)
	if err != nil {
		t.Fatalf("Dial failed: %s", err)
	}
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))

	ssConn := cipher.NewStreamConn(conn, userCipher, userCipher)

	header, err := protocol.AppendAddress(
		nil, &net.UDPAddr{IP: target.IP, Port: target.Port})
	if err != nil {
		conn.Close()
		t.Fatalf("AppendAddress failed: %s", err)
	}
	_, err = ssConn.Write(header)
	if err != nil {
		conn.Close()
		t.Fatalf("Write failed: %s", err)
	}

	return ssConn
}

func TestTCPRelay(t *testing.T) {

	servicePort := freeTCPPort(t)

	support := newTestSupport(t, []*User{
		{ID: 1, Port: servicePort, Method: cipher.CHACHA20_IETF_POLY1305,
			Password: "password-1", Enable: true},
		{ID: 2, Port: servicePort, Method: cipher.CHACHA20_IETF_POLY1305,
			Password: "password-2", Enable: true},
	})

	shutdownBroadcast := make(chan struct{})
	service, err := NewTCPService(support, servicePort, shutdownBroadcast)
	if err != nil {
		t.Fatalf("NewTCPService failed: %s", err)
	}
	go service.Run()
	defer func() {
		close(shutdownBroadcast)
		service.Stop()
	}()

	echoAddr, stopEcho := runTCPEchoServer(t)
	defer stopEcho()

	userCipher, err := cipher.NewCipher(
		cipher.CHACHA20_IETF_POLY1305, "password-2")
	if err != nil {
		t.Fatalf("NewCipher failed: %s", err)
	}

	ssConn := dialRelay(t, servicePort, userCipher, echoAddr)
	defer ssConn.Close()

	request := []byte("relay request payload")
	_, err = ssConn.Write(request)
	if err != nil {
		t.Fatalf("Write failed: %s", err)
	}

	response := make([]byte, len(request))
	_, err = io.ReadFull(ssConn, response)
	if err != nil {
		t.Fatalf("ReadFull failed: %s", err)
	}
	if !bytes.Equal(request, response) {
		t.Fatalf("unexpected response: %q", response)
	}

	// Trial decryption attributed the connection to the user whose key
	// sealed it.

	if atomic.LoadInt64(&support.Users.Lookup(2).totalTCPConns) != 1 {
		t.Fatal("expected connection attributed to user 2")
	}
	if atomic.LoadInt64(&support.Users.Lookup(1).totalTCPConns) != 0 {
		t.Fatal("unexpected connection attributed to user 1")
	}
}

func TestTCPRelayRejectsUnknownKey(t *testing.T) {

	servicePort := freeTCPPort(t)

	support := newTestSupport(t, []*User{
		{ID: 1, Port: servicePort, Method: cipher.AES_256_GCM,
			Password: "password-1", Enable: true},
	})

	shutdownBroadcast := make(chan struct{})
	service, err := NewTCPService(support, servicePort, shutdownBroadcast)
	if err != nil {
		t.Fatalf("NewTCPService failed: %s", err)
	}
	go service.Run()
	defer func() {
		close(shutdownBroadcast)
		service.Stop()
	}()

	echoAddr, stopEcho := runTCPEchoServer(t)
	defer stopEcho()

	wrongCipher, err := cipher.NewCipher(
		cipher.AES_256_GCM, "wrong-password")
	if err != nil {
		t.Fatalf("NewCipher failed: %s", err)
	}

	ssConn := dialRelay(t, servicePort, wrongCipher, echoAddr)
	defer ssConn.Close()

	// The server drops connections it cannot attribute to a user.

	buffer := make([]byte, 1)
	_, err = ssConn.Read(buffer)
	if err == nil {
		t.Fatal("unexpected read success")
	}
}

func TestTCPRelayRejectsReplay(t *testing.T) {

	servicePort := freeTCPPort(t)

	support := newTestSupport(t, []*User{
		{ID: 1, Port: servicePort, Method: cipher.CHACHA20_IETF_POLY1305,
			Password: "password-1", Enable: true},
	})

	shutdownBroadcast := make(chan struct{})
	service, err := NewTCPService(support, servicePort, shutdownBroadcast)
	if err != nil {
		t.Fatalf("NewTCPService failed: %s", err)
	}
	go service.Run()
	defer func() {
		close(shutdownBroadcast)
		service.Stop()
	}()

	echoAddr, stopEcho := runTCPEchoServer(t)
	defer stopEcho()

	userCipher, err := cipher.NewCipher(
		cipher.CHACHA20_IETF_POLY1305, "password-1")
	if err != nil {
		t.Fatalf("NewCipher failed: %s", err)
	}

	// Record a complete encrypted request, then play it twice.

	var recorded bytes.Buffer
	writer := cipher.NewWriter(&recorded, userCipher)
	header, err := protocol.AppendAddress(
		nil, &net.UDPAddr{IP: echoAddr.IP, Port: echoAddr.Port})
	if err != nil {
		t.Fatalf("AppendAddress failed: %s", err)
	}
	_, err = writer.Write(append(header, []byte("replayed payload")...))
	if err != nil {
		t.Fatalf("Write failed: %s", err)
	}

	sendRecording := func() net.Conn {
		conn, err := net.DialTimeout(
			"tcp", fmt.Sprintf("127.0.0.1:%d", servicePort), 5*time.Second)
		if err != nil {
			t.Fatalf("Dial failed: %s", err)
		}
		_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
		_, err = conn.Write(recorded.Bytes())
		if err != nil {
			t.Fatalf("Write failed: %s", err)
		}
		return conn
	}

	// The original connection relays; the server responds with at
	// least the response stream salt.

	original := sendRecording()
	defer original.Close()
	buffer := make([]byte, userCipher.SaltSize())
	_, err = io.ReadFull(original, buffer)
	if err != nil {
		t.Fatalf("ReadFull failed: %s", err)
	}

	// The replayed connection is dropped without a response.

	replay := sendRecording()
	defer replay.Close()
	_, err = replay.Read(buffer)
	if err == nil {
		t.Fatal("unexpected read success for replayed stream")
	}
}

func TestTCPRelayConnLimit(t *testing.T) {

	servicePort := freeTCPPort(t)

	support := newTestSupport(t, []*User{
		{ID: 1, Port: servicePort, Method: cipher.CHACHA20_IETF_POLY1305,
			Password: "password-1", Enable: true, TCPConnLimit: 1},
	})

	shutdownBroadcast := make(chan struct{})
	service, err := NewTCPService(support, servicePort, shutdownBroadcast)
	if err != nil {
		t.Fatalf("NewTCPService failed: %s", err)
	}
	go service.Run()
	defer func() {
		close(shutdownBroadcast)
		service.Stop()
	}()

	echoAddr, stopEcho := runTCPEchoServer(t)
	defer stopEcho()

	userCipher, err := cipher.NewCipher(
		cipher.CHACHA20_IETF_POLY1305, "password-1")
	if err != nil {
		t.Fatalf("NewCipher failed: %s", err)
	}

	// Establish one relayed connection, completing an echo exchange so
	// the server side is fully set up.

	first := dialRelay(t, servicePort, userCipher, echoAddr)
	defer first.Close()

	request := []byte("hold the connection open")
	_, err = first.Write(request)
	if err != nil {
		t.Fatalf("Write failed: %s", err)
	}
	response := make([]byte, len(request))
	_, err = io.ReadFull(first, response)
	if err != nil {
		t.Fatalf("ReadFull failed: %s", err)
	}

	// A second connection for the same user exceeds the limit and is
	// dropped.

	second := dialRelay(t, servicePort, userCipher, echoAddr)
	defer second.Close()

	buffer := make([]byte, 1)
	_, err = second.Read(buffer)
	if err == nil {
		t.Fatal("unexpected read success beyond connection limit")
	}
}

func TestUDPRelay(t *testing.T) {

	servicePort := freeUDPPort(t)

	support := newTestSupport(t, []*User{
		{ID: 1, Port: servicePort, Method: cipher.AES_128_GCM,
			Password: "password-1", Enable: true},
		{ID: 2, Port: servicePort, Method: cipher.AES_128_GCM,
			Password: "password-2", Enable: true},
	})

	shutdownBroadcast := make(chan struct{})
	service, err := NewUDPService(support, servicePort, shutdownBroadcast)
	if err != nil {
		t.Fatalf("NewUDPService failed: %s", err)
	}
	go service.Run()
	defer func() {
		close(shutdownBroadcast)
		service.Stop()
	}()

	// UDP echo server

	echoConn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket failed: %s", err)
	}
	defer echoConn.Close()
	echoAddr := echoConn.LocalAddr().(*net.UDPAddr)
	go func() {
		buffer := make([]byte, UDP_PACKET_BUFFER_SIZE)
		for {
			n, addr, err := echoConn.ReadFrom(buffer)
			if err != nil {
				return
			}
			_, _ = echoConn.WriteTo(buffer[:n], addr)
		}
	}()

	userCipher, err := cipher.NewCipher(cipher.AES_128_GCM, "password-2")
	if err != nil {
		t.Fatalf("NewCipher failed: %s", err)
	}

	clientConn, err := net.DialUDP(
		"udp", nil,
		&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: servicePort})
	if err != nil {
		t.Fatalf("DialUDP failed: %s", err)
	}
	defer clientConn.Close()
	_ = clientConn.SetDeadline(time.Now().Add(10 * time.Second))

	payload := []byte("datagram payload")

	plaintext, err := protocol.AppendAddress(nil, echoAddr)
	if err != nil {
		t.Fatalf("AppendAddress failed: %s", err)
	}
	plaintext = append(plaintext, payload...)

	sealed := make([]byte, UDP_PACKET_BUFFER_SIZE)
	packet, err := cipher.PackPacket(sealed, plaintext, userCipher)
	if err != nil {
		t.Fatalf("PackPacket failed: %s", err)
	}

	_, err = clientConn.Write(packet)
	if err != nil {
		t.Fatalf("Write failed: %s", err)
	}

	response := make([]byte, UDP_PACKET_BUFFER_SIZE)
	n, err := clientConn.Read(response)
	if err != nil {
		t.Fatalf("Read failed: %s", err)
	}

	// The response is sealed with the same user key and prefixed with
	// the origin address.

	responsePlaintext, err := cipher.UnpackPacket(response[:n], userCipher)
	if err != nil {
		t.Fatalf("UnpackPacket failed: %s", err)
	}

	originAddress, consumed, err := protocol.ParseAddress(responsePlaintext)
	if err != nil {
		t.Fatalf("ParseAddress failed: %s", err)
	}
	if originAddress.Host() != echoAddr.IP.String() ||
		originAddress.Port != echoAddr.Port {
		t.Fatalf("unexpected origin address: %s", originAddress)
	}
	if !bytes.Equal(responsePlaintext[consumed:], payload) {
		t.Fatalf("unexpected payload: %q", responsePlaintext[consumed:])
	}

	// The packet was attributed to the sealing user.

	if atomic.LoadInt64(&support.Users.Lookup(2).activeUDPSessions) != 1 {
		t.Fatal("expected session attributed to user 2")
	}
	if atomic.LoadInt64(&support.Users.Lookup(1).activeUDPSessions) != 0 {
		t.Fatal("unexpected session attributed to user 1")
	}
}
