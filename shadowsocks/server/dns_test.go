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
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
)

func TestParseResolveConf(t *testing.T) {

	testCases := []struct {
		description      string
		fileContent      string
		expectedResolver string
	}{
		{
			"simple nameserver",
			"nameserver 8.8.8.8\n",
			"8.8.8.8",
		},
		{
			"comments and options",
			"# comment\n; comment\noptions timeout:1\nnameserver 172.16.0.1\nnameserver 172.16.0.2\n",
			"172.16.0.1",
		},
		{
			"IPv6 nameserver",
			"nameserver 2001:db8::1\n",
			"2001:db8::1",
		},
		{
			"no nameserver",
			"search example.com\n",
			"",
		},
		{
			"invalid nameserver",
			"nameserver not-an-ip\n",
			"",
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.description, func(t *testing.T) {
			resolver, err := parseResolveConf([]byte(testCase.fileContent))
			if testCase.expectedResolver == "" {
				if err == nil {
					t.Fatalf("unexpected success: %s", resolver)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseResolveConf failed: %s", err)
			}
			if resolver.String() != testCase.expectedResolver {
				t.Fatalf("unexpected resolver: %s", resolver)
			}
		})
	}
}

func TestResolveIPLiteral(t *testing.T) {

	resolver, err := NewTargetResolver(
		&Config{
			DNSServerAddress: "127.0.0.1:53",
			dnsCacheTTL:      time.Minute,
		})
	if err != nil {
		t.Fatalf("NewTargetResolver failed: %s", err)
	}

	// IP address literals never contact the DNS server.

	ctx, cancelFunc := context.WithTimeout(context.Background(), time.Second)
	defer cancelFunc()

	for _, literal := range []string{"192.0.2.1", "2001:db8::2"} {
		IP, err := resolver.ResolveIP(ctx, literal)
		if err != nil {
			t.Fatalf("ResolveIP failed: %s", err)
		}
		if IP.String() != literal {
			t.Fatalf("unexpected IP: %s", IP)
		}
	}

	metrics := resolver.GetMetrics()
	if metrics["dns_request_count"] != int64(0) {
		t.Fatalf("unexpected request count: %v", metrics["dns_request_count"])
	}
}

func TestResolveIP(t *testing.T) {

	packetConn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket failed: %s", err)
	}

	dnsServer := &dns.Server{
		PacketConn: packetConn,
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, request *dns.Msg) {
			response := new(dns.Msg)
			response.SetReply(request)
			question := request.Question[0]
			if question.Qtype == dns.TypeA {
				rr, err := dns.NewRR(
					fmt.Sprintf("%s 60 IN A 192.0.2.18", question.Name))
				if err == nil {
					response.Answer = append(response.Answer, rr)
				}
			}
			_ = w.WriteMsg(response)
		}),
	}
	go func() {
		_ = dnsServer.ActivateAndServe()
	}()
	defer dnsServer.Shutdown()

	resolver, err := NewTargetResolver(
		&Config{
			DNSServerAddress: packetConn.LocalAddr().String(),
			dnsCacheTTL:      time.Minute,
		})
	if err != nil {
		t.Fatalf("NewTargetResolver failed: %s", err)
	}

	ctx, cancelFunc := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFunc()

	IP, err := resolver.ResolveIP(ctx, "relay-target.example")
	if err != nil {
		t.Fatalf("ResolveIP failed: %s", err)
	}
	if IP.String() != "192.0.2.18" {
		t.Fatalf("unexpected IP: %s", IP)
	}

	// The second lookup is served from the cache.

	IP, err = resolver.ResolveIP(ctx, "relay-target.example")
	if err != nil {
		t.Fatalf("ResolveIP failed: %s", err)
	}
	if IP.String() != "192.0.2.18" {
		t.Fatalf("unexpected IP: %s", IP)
	}

	metrics := resolver.GetMetrics()
	if metrics["dns_request_count"] != int64(2) {
		t.Fatalf("unexpected request count: %v", metrics["dns_request_count"])
	}
	if metrics["dns_cache_hits"] != int64(1) {
		t.Fatalf("unexpected cache hits: %v", metrics["dns_cache_hits"])
	}
}
