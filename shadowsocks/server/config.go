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
	"encoding/json"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/aioshadowsocks/aioshadowsocks-go/shadowsocks/cipher"
	"github.com/aioshadowsocks/aioshadowsocks-go/shadowsocks/common/errors"
)

const (
	SERVER_CONFIG_FILENAME        = "aioshadowsocks.config"
	SERVER_USERS_CONFIG_FILENAME  = "aioshadowsocks-users.config"
	DEFAULT_LISTEN_IP_ADDRESS     = "0.0.0.0"
	DEFAULT_LOG_LEVEL             = "info"
	DEFAULT_SYNC_INTERVAL         = 60 * time.Second
	DEFAULT_METRICS_INTERVAL      = 60 * time.Second
	DEFAULT_TCP_IDLE_TIMEOUT      = 300 * time.Second
	DEFAULT_TCP_DIAL_TIMEOUT      = 30 * time.Second
	DEFAULT_UDP_NAT_TIMEOUT       = 60 * time.Second
	DEFAULT_REPLAY_HISTORY_TTL    = 60 * time.Minute
	DEFAULT_DNS_CACHE_TTL         = 60 * time.Second
	DEFAULT_LOG_FILE_REOPEN_RETRY = 1
	DEFAULT_LOG_FILE_CREATE_MODE  = 0666
)

// Config specifies the configuration and behavior of an
// aioshadowsocks server.
type Config struct {

	// LogLevel specifies the log level. Valid values are:
	// panic, fatal, error, warn, info, debug
	LogLevel string

	// LogFilename specifies the path of the file to log
	// to. When blank, logs are written to stderr.
	LogFilename string

	// LogFileReopenRetries specifies how many retries, with a 1 millisecond
	// delay between retries, to attempt when reopening the log file after a
	// rotation. When nil, the default (1) is used.
	LogFileReopenRetries *int

	// LogFileCreateMode specifies that the server should create the log
	// file when it does not exist, using the specified file mode. When
	// nil, the server does not create the log file and the file must be
	// created externally before the server starts.
	LogFileCreateMode *int

	// HostID is an identifier for the server host; this is used for
	// event logging and panel API reports.
	HostID string

	// ListenIPAddress is the IP address on which per-user TCP and UDP
	// listeners are bound. When blank, all interfaces ("0.0.0.0") are
	// used.
	ListenIPAddress string

	// UsersFilename is the path of a JSON file defining the proxy users.
	// The file is hot-reloadable: a SIGUSR1 triggers a reload, applying
	// user additions, removals, and modifications without restarting the
	// server. When blank, users must be supplied by the panel API sync
	// service.
	UsersFilename string

	// APIEndpoint is the base URL of the panel web API used to fetch
	// users and report traffic. When blank, the sync service is not run
	// and UsersFilename is required.
	APIEndpoint string

	// APIToken is the bearer token presented to the panel web API.
	APIToken string

	// SyncIntervalSeconds is the period of the panel API sync cycle.
	// When <= 0, the default (60s) is used.
	SyncIntervalSeconds int

	// MetricsIntervalSeconds is the period of the server_load metrics
	// log. When < 0, the load monitor is not run. When 0, the default
	// (60s) is used.
	MetricsIntervalSeconds int

	// TCPIdleTimeoutSeconds is the timeout after which a fully
	// established relayed TCP connection with no read activity is
	// closed. When <= 0, the default (300s) is used.
	TCPIdleTimeoutSeconds int

	// TCPDialTimeoutSeconds is the timeout for dialing the target of a
	// relayed TCP connection. When <= 0, the default (30s) is used.
	TCPDialTimeoutSeconds int

	// UDPNATTimeoutSeconds is the lifetime of an idle UDP NAT entry.
	// When <= 0, the default (60s) is used.
	UDPNATTimeoutSeconds int

	// MaxUDPNATEntries caps the number of concurrent UDP NAT entries.
	// When <= 0, no cap is applied.
	MaxUDPNATEntries int

	// AllowBogonDestinations permits relayed connections to private,
	// loopback, and other non-routable destination addresses. This is
	// for testing only.
	AllowBogonDestinations bool

	// DNSServerAddress is the address ("<ip>:<port>") of a DNS server
	// used to resolve relayed domain targets, overriding the system
	// resolver configuration.
	DNSServerAddress string

	// DNSCacheSeconds is the TTL for cached DNS answers. When <= 0,
	// the default (60s) is used.
	DNSCacheSeconds int

	// ReplayHistoryTTLSeconds is how long observed AEAD salts are
	// retained for replay detection. When <= 0, the default (1h) is
	// used. When negative filtering is not desired, set
	// DisableReplayDetection.
	ReplayHistoryTTLSeconds int

	// DisableReplayDetection turns off AEAD salt replay filtering.
	DisableReplayDetection bool

	// WebServiceAddress is the listen address ("<ip>:<port>") of the
	// local status web service. When blank, no web service is run.
	WebServiceAddress string

	syncInterval     time.Duration
	metricsInterval  time.Duration
	tcpIdleTimeout   time.Duration
	tcpDialTimeout   time.Duration
	udpNATTimeout    time.Duration
	dnsCacheTTL      time.Duration
	replayHistoryTTL time.Duration
}

// RunSyncService indicates whether to run a panel API sync service.
func (config *Config) RunSyncService() bool {
	return config.APIEndpoint != ""
}

// RunLoadMonitor indicates whether to run a load monitor.
func (config *Config) RunLoadMonitor() bool {
	return config.MetricsIntervalSeconds >= 0
}

// RunWebService indicates whether to run a status web service.
func (config *Config) RunWebService() bool {
	return config.WebServiceAddress != ""
}

// GetLogFileReopenConfig gets the log file reopen settings in the form
// expected by the rotate-safe-writer.
func (config *Config) GetLogFileReopenConfig() (int, bool, os.FileMode) {
	retries := DEFAULT_LOG_FILE_REOPEN_RETRY
	if config.LogFileReopenRetries != nil {
		retries = *config.LogFileReopenRetries
	}
	create := true
	mode := os.FileMode(DEFAULT_LOG_FILE_CREATE_MODE)
	if config.LogFileCreateMode != nil {
		if *config.LogFileCreateMode < 0 {
			create = false
			mode = 0
		} else {
			mode = os.FileMode(*config.LogFileCreateMode)
		}
	}
	return retries, create, mode
}

// LoadConfig loads and validates a JSON encoded server config.
func LoadConfig(configJSON []byte) (*Config, error) {

	var config Config
	err := json.Unmarshal(configJSON, &config)
	if err != nil {
		return nil, errors.Trace(err)
	}

	if config.LogLevel == "" {
		config.LogLevel = DEFAULT_LOG_LEVEL
	}

	if config.ListenIPAddress == "" {
		config.ListenIPAddress = DEFAULT_LISTEN_IP_ADDRESS
	}

	if net.ParseIP(config.ListenIPAddress) == nil {
		return nil, errors.TraceNew("ListenIPAddress is invalid")
	}

	if config.UsersFilename == "" && config.APIEndpoint == "" {
		return nil, errors.TraceNew(
			"one of UsersFilename or APIEndpoint is required")
	}

	if config.APIEndpoint != "" {
		url, err := url.Parse(config.APIEndpoint)
		if err != nil {
			return nil, errors.Tracef("APIEndpoint is invalid: %v", err)
		}
		if url.Scheme != "http" && url.Scheme != "https" {
			return nil, errors.TraceNew("APIEndpoint must be http or https")
		}
	}

	if config.DNSServerAddress != "" {
		if err := validateNetworkAddress(config.DNSServerAddress, true); err != nil {
			return nil, errors.Tracef("DNSServerAddress is invalid: %v", err)
		}
	}

	if config.WebServiceAddress != "" {
		if err := validateNetworkAddress(config.WebServiceAddress, true); err != nil {
			return nil, errors.Tracef("WebServiceAddress is invalid: %v", err)
		}
	}

	config.syncInterval = durationOrDefault(
		config.SyncIntervalSeconds, DEFAULT_SYNC_INTERVAL)
	config.metricsInterval = durationOrDefault(
		config.MetricsIntervalSeconds, DEFAULT_METRICS_INTERVAL)
	config.tcpIdleTimeout = durationOrDefault(
		config.TCPIdleTimeoutSeconds, DEFAULT_TCP_IDLE_TIMEOUT)
	config.tcpDialTimeout = durationOrDefault(
		config.TCPDialTimeoutSeconds, DEFAULT_TCP_DIAL_TIMEOUT)
	config.udpNATTimeout = durationOrDefault(
		config.UDPNATTimeoutSeconds, DEFAULT_UDP_NAT_TIMEOUT)
	config.dnsCacheTTL = durationOrDefault(
		config.DNSCacheSeconds, DEFAULT_DNS_CACHE_TTL)
	config.replayHistoryTTL = durationOrDefault(
		config.ReplayHistoryTTLSeconds, DEFAULT_REPLAY_HISTORY_TTL)

	return &config, nil
}

func durationOrDefault(seconds int, defaultValue time.Duration) time.Duration {
	if seconds <= 0 {
		return defaultValue
	}
	return time.Duration(seconds) * time.Second
}

func validateNetworkAddress(address string, requireIPaddress bool) error {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	if requireIPaddress && net.ParseIP(host) == nil {
		return errors.TraceNew("host must be an IP address")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return err
	}
	if port < 0 || port > 65535 {
		return errors.TraceNew("invalid port")
	}
	return nil
}

// GenerateConfigParams specifies customizations to be applied to
// a generated server config.
type GenerateConfigParams struct {
	LogFilename       string
	LogLevel          string
	ListenIPAddress   string
	UsersFilename     string
	APIEndpoint       string
	APIToken          string
	WebServiceAddress string
	Users             []*User
}

// GenerateConfig creates a new server config and users file. It returns
// JSON encoded configs with sample values where none are specified.
//
// The intention is for generated configs to be used for testing or as
// examples for production setup, not to generate production-ready
// configurations.
func GenerateConfig(params *GenerateConfigParams) ([]byte, []byte, error) {

	if params.ListenIPAddress != "" &&
		net.ParseIP(params.ListenIPAddress) == nil {
		return nil, nil, errors.TraceNew("invalid IP address")
	}

	if params.UsersFilename == "" && params.APIEndpoint == "" {
		return nil, nil, errors.TraceNew(
			"one of UsersFilename or APIEndpoint is required")
	}

	logLevel := params.LogLevel
	if logLevel == "" {
		logLevel = DEFAULT_LOG_LEVEL
	}

	config := &Config{
		LogLevel:          logLevel,
		LogFilename:       params.LogFilename,
		ListenIPAddress:   params.ListenIPAddress,
		UsersFilename:     params.UsersFilename,
		APIEndpoint:       params.APIEndpoint,
		APIToken:          params.APIToken,
		WebServiceAddress: params.WebServiceAddress,
	}

	encodedConfig, err := json.MarshalIndent(config, "\n", "    ")
	if err != nil {
		return nil, nil, errors.Trace(err)
	}

	users := params.Users
	if len(users) == 0 {
		password, err := makeRandomPassword()
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		users = []*User{
			{
				ID:       1,
				Port:     8388,
				Method:   cipher.CHACHA20_IETF_POLY1305,
				Password: password,
				Enable:   true,
			},
		}
	}

	encodedUsers, err := json.MarshalIndent(
		&UserList{Users: users}, "\n", "    ")
	if err != nil {
		return nil, nil, errors.Trace(err)
	}

	return encodedConfig, encodedUsers, nil
}
