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
	"bufio"
	"bytes"
	"context"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/aioshadowsocks/aioshadowsocks-go/shadowsocks/common"
	"github.com/aioshadowsocks/aioshadowsocks-go/shadowsocks/common/errors"
)

const (
	DNS_SYSTEM_CONFIG_FILENAME      = "/etc/resolv.conf"
	DNS_SYSTEM_CONFIG_RELOAD_PERIOD = 5 * time.Second
	DNS_RESOLVER_PORT               = 53
	DNS_REQUEST_TIMEOUT             = 5 * time.Second
)

// DNSResolver maintains a fresh DNS resolver value, monitoring
// "/etc/resolv.conf" on platforms where it is available; and
// otherwise using a default value.
type DNSResolver struct {
	// Note: 64-bit fields accessed with atomic operations.
	lastReloadTime int64
	common.ReloadableFile
	isReloading int32
	resolver    net.IP
}

// NewDNSResolver initializes a new DNSResolver, loading it with a
// fresh resolver value. The load must succeed, so either
// "/etc/resolv.conf" must contain a valid "nameserver" line with a DNS
// server IP address, or a valid "defaultResolver" default value must
// be provided. On systems without "/etc/resolv.conf",
// "defaultResolver" is required.
//
// The resolver is considered stale and reloaded if last checked more
// than 5 seconds before the last Get(), which is similar to
// frequencies in other implementations:
//
//   - https://golang.org/src/net/dnsclient_unix.go,
//     resolverConfig.tryUpdate: 5 seconds
func NewDNSResolver(defaultResolver string) (*DNSResolver, error) {

	dnsResolver := &DNSResolver{
		lastReloadTime: time.Now().UnixNano(),
	}

	dnsResolver.ReloadableFile = common.NewReloadableFile(
		DNS_SYSTEM_CONFIG_FILENAME,
		func(fileContent []byte) error {

			resolver, err := parseResolveConf(fileContent)
			if err != nil {
				// On error, state remains the same
				return errors.Trace(err)
			}

			dnsResolver.resolver = resolver

			log.WithTraceFields(
				LogFields{
					"resolver": resolver.String(),
				}).Debug("loaded system DNS resolver")

			return nil
		})

	_, err := dnsResolver.Reload()
	if err != nil {
		if defaultResolver == "" {
			return nil, errors.Trace(err)
		}

		log.WithTraceFields(
			LogFields{"err": err}).Info(
			"failed to load system DNS resolver; using default")

		resolver, err := parseResolver(defaultResolver)
		if err != nil {
			return nil, errors.Trace(err)
		}

		dnsResolver.resolver = resolver
	}

	return dnsResolver, nil
}

// Get returns the cached resolver, first updating the cached value if
// it's stale. If reloading fails, the previous value is used.
func (dnsResolver *DNSResolver) Get() net.IP {

	// Every domain target resolution calls Get(), so this code is
	// intended to minimize blocking. Most callers will hit just the
	// atomic.LoadInt64 reload time check and the RLock. An
	// atomic.CompareAndSwapInt32 is used to ensure only one goroutine
	// enters Reload() and blocks on its write lock. And since
	// ReloadableFile.Reload checks whether the underlying file has
	// changed before acquiring a write lock, write lock blocking is
	// only incurred when "/etc/resolv.conf" has actually changed.

	lastReloadTime := atomic.LoadInt64(&dnsResolver.lastReloadTime)
	stale := time.Now().UnixNano() >
		lastReloadTime+int64(DNS_SYSTEM_CONFIG_RELOAD_PERIOD)

	if stale {

		isReloader := atomic.CompareAndSwapInt32(&dnsResolver.isReloading, 0, 1)

		if isReloader {

			// Unconditionally set last reload time. Even on failure only
			// want to retry after another DNS_SYSTEM_CONFIG_RELOAD_PERIOD.
			atomic.StoreInt64(&dnsResolver.lastReloadTime, time.Now().UnixNano())

			_, err := dnsResolver.Reload()
			if err != nil {
				log.WithTraceFields(
					LogFields{"err": err}).Info(
					"failed to reload system DNS resolver")
			}

			atomic.StoreInt32(&dnsResolver.isReloading, 0)
		}
	}

	dnsResolver.ReloadableFile.RLock()
	defer dnsResolver.ReloadableFile.RUnlock()

	return dnsResolver.resolver
}

func parseResolveConf(fileContent []byte) (net.IP, error) {

	scanner := bufio.NewScanner(bytes.NewReader(fileContent))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, ";") || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "nameserver" {
			return parseResolver(fields[1])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	return nil, errors.TraceNew("nameserver not found")
}

func parseResolver(resolver string) (net.IP, error) {

	ipAddress := net.ParseIP(resolver)
	if ipAddress == nil {
		return nil, errors.TraceNew("invalid IP address")
	}

	return ipAddress, nil
}

// TargetResolver resolves relayed domain targets to IP addresses.
// Answers are cached with a short TTL and concurrent lookups for the
// same domain are collapsed into a single DNS request.
type TargetResolver struct {
	config      *Config
	dnsResolver *DNSResolver
	client      *dns.Client
	cache       *gocache.Cache
	inflight    singleflight.Group

	requestCount int64
	cacheHits    int64
	failureCount int64
}

// NewTargetResolver creates a TargetResolver. When the config
// specifies DNSServerAddress, that server is always used; otherwise
// the monitored system resolver is used.
func NewTargetResolver(config *Config) (*TargetResolver, error) {

	var dnsResolver *DNSResolver
	if config.DNSServerAddress == "" {
		var err error
		dnsResolver, err = NewDNSResolver("")
		if err != nil {
			return nil, errors.Trace(err)
		}
	}

	return &TargetResolver{
		config:      config,
		dnsResolver: dnsResolver,
		client:      &dns.Client{Timeout: DNS_REQUEST_TIMEOUT},
		cache: gocache.New(
			config.dnsCacheTTL, 2*config.dnsCacheTTL),
	}, nil
}

func (resolver *TargetResolver) serverAddress() string {
	if resolver.config.DNSServerAddress != "" {
		return resolver.config.DNSServerAddress
	}
	return net.JoinHostPort(
		resolver.dnsResolver.Get().String(),
		strconv.Itoa(DNS_RESOLVER_PORT))
}

// ResolveIP resolves a domain to an IP address. IP address literals
// are returned directly.
func (resolver *TargetResolver) ResolveIP(
	ctx context.Context, hostname string) (net.IP, error) {

	if IP := net.ParseIP(hostname); IP != nil {
		return IP, nil
	}

	atomic.AddInt64(&resolver.requestCount, 1)

	if cached, ok := resolver.cache.Get(hostname); ok {
		atomic.AddInt64(&resolver.cacheHits, 1)
		return cached.(net.IP), nil
	}

	// Collapse concurrent lookups for the same domain. The
	// singleflight result is shared, so the DNS request runs once.

	result, err, _ := resolver.inflight.Do(hostname, func() (interface{}, error) {

		IP, err := resolver.lookup(ctx, hostname)
		if err != nil {
			return nil, errors.Trace(err)
		}

		resolver.cache.Set(hostname, IP, gocache.DefaultExpiration)
		return IP, nil
	})

	if err != nil {
		atomic.AddInt64(&resolver.failureCount, 1)
		return nil, errors.Trace(err)
	}

	return result.(net.IP), nil
}

func (resolver *TargetResolver) lookup(
	ctx context.Context, hostname string) (net.IP, error) {

	serverAddress := resolver.serverAddress()

	for _, questionType := range []uint16{dns.TypeA, dns.TypeAAAA} {

		request := &dns.Msg{
			MsgHdr: dns.MsgHdr{RecursionDesired: true},
		}
		request.SetQuestion(dns.Fqdn(hostname), questionType)

		response, _, err := resolver.client.ExchangeContext(
			ctx, request, serverAddress)
		if err != nil {
			return nil, errors.Trace(err)
		}

		if response.MsgHdr.Rcode != dns.RcodeSuccess {
			continue
		}

		for _, answer := range response.Answer {
			if a, ok := answer.(*dns.A); ok {
				return a.A, nil
			}
			if aaaa, ok := answer.(*dns.AAAA); ok {
				return aaaa.AAAA, nil
			}
		}
	}

	return nil, errors.Tracef("no answer for %s", hostname)
}

// GetMetrics returns a snapshot of resolver counters and resets them
// to zero.
func (resolver *TargetResolver) GetMetrics() LogFields {
	return LogFields{
		"dns_request_count": atomic.SwapInt64(&resolver.requestCount, 0),
		"dns_cache_hits":    atomic.SwapInt64(&resolver.cacheHits, 0),
		"dns_failure_count": atomic.SwapInt64(&resolver.failureCount, 0),
	}
}
