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
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	lrucache "github.com/cognusion/go-cache-lru"

	"github.com/aioshadowsocks/aioshadowsocks-go/shadowsocks/cipher"
	"github.com/aioshadowsocks/aioshadowsocks-go/shadowsocks/common"
	"github.com/aioshadowsocks/aioshadowsocks-go/shadowsocks/common/errors"
)

const (
	USER_CLIENT_IP_TTL         = 30 * time.Minute
	USER_CLIENT_IP_MAX_ENTRIES = 10000
	RANDOM_PASSWORD_BYTE_COUNT = 16
)

// User is a single proxy user record, as defined in the users config
// file or returned by the panel web API. Each user owns a password on
// a listening port; multiple users may share a port as long as they
// share a cipher method.
type User struct {

	// ID uniquely identifies the user across reloads and syncs.
	ID int64 `json:"user_id"`

	// Port is the TCP and UDP listening port serving this user.
	Port int `json:"port"`

	// Method is the AEAD cipher method name.
	Method string `json:"method"`

	// Password is the user's secret, input to the cipher key
	// derivation.
	Password string `json:"password"`

	// Enable indicates whether the user may currently connect.
	// Disabled users retain their port and traffic totals.
	Enable bool `json:"enable"`

	// SpeedLimit is the per-connection rate limit in bytes per second,
	// applied independently upstream and downstream. 0 is unlimited.
	SpeedLimit int64 `json:"speed_limit"`

	// TCPConnLimit caps the user's concurrent relayed TCP connections.
	// 0 is unlimited.
	TCPConnLimit int `json:"tcp_conn_limit"`
}

// UserList is the document stored in the users config file and
// exchanged with the panel web API.
type UserList struct {
	Users []*User `json:"users"`
}

func makeRandomPassword() (string, error) {
	randomBytes, err := common.MakeSecureRandomBytes(RANDOM_PASSWORD_BYTE_COUNT)
	if err != nil {
		return "", errors.Trace(err)
	}
	return hex.EncodeToString(randomBytes), nil
}

// userState is the runtime state for one user: the prepared cipher,
// traffic accounting, and connection tracking. userState persists
// across reloads so counters are not lost when a user record is
// updated in place.
type userState struct {

	// Note: 64-bit fields accessed with atomic operations.
	bytesUp           int64
	bytesDown         int64
	totalBytesUp      int64
	totalBytesDown    int64
	activeTCPConns    int64
	totalTCPConns     int64
	activeUDPSessions int64

	mutex  sync.Mutex
	user   User
	cipher *cipher.Cipher

	clientIPs  *lrucache.Cache
	newIPs     []string
	newIPMutex sync.Mutex
}

func newUserState(user *User) (*userState, error) {
	ciph, err := cipher.NewCipher(user.Method, user.Password)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &userState{
		user:   *user,
		cipher: ciph,
		clientIPs: lrucache.NewWithLRU(
			USER_CLIENT_IP_TTL,
			1*time.Minute,
			USER_CLIENT_IP_MAX_ENTRIES),
	}, nil
}

// update applies a changed user record, rebuilding the cipher when the
// credentials changed. Traffic counters are retained.
func (state *userState) update(user *User) error {
	state.mutex.Lock()
	defer state.mutex.Unlock()
	if user.Method != state.user.Method ||
		user.Password != state.user.Password {
		ciph, err := cipher.NewCipher(user.Method, user.Password)
		if err != nil {
			return errors.Trace(err)
		}
		state.cipher = ciph
	}
	state.user = *user
	return nil
}

// snapshot returns a copy of the current user record and the prepared
// cipher.
func (state *userState) snapshot() (User, *cipher.Cipher) {
	state.mutex.Lock()
	defer state.mutex.Unlock()
	return state.user, state.cipher
}

func (state *userState) getCipher() *cipher.Cipher {
	state.mutex.Lock()
	defer state.mutex.Unlock()
	return state.cipher
}

func (state *userState) isEnabled() bool {
	state.mutex.Lock()
	defer state.mutex.Unlock()
	return state.user.Enable
}

func (state *userState) rateLimits() common.RateLimits {
	state.mutex.Lock()
	defer state.mutex.Unlock()
	return common.RateLimits{
		DownstreamBytesPerSecond: state.user.SpeedLimit,
		UpstreamBytesPerSecond:   state.user.SpeedLimit,
	}
}

// beginTCPConn accounts for a new relayed TCP connection, returning
// false when the user's concurrent connection limit is reached.
func (state *userState) beginTCPConn() bool {
	state.mutex.Lock()
	limit := state.user.TCPConnLimit
	state.mutex.Unlock()
	count := atomic.AddInt64(&state.activeTCPConns, 1)
	if limit > 0 && count > int64(limit) {
		atomic.AddInt64(&state.activeTCPConns, -1)
		return false
	}
	atomic.AddInt64(&state.totalTCPConns, 1)
	return true
}

func (state *userState) endTCPConn() {
	atomic.AddInt64(&state.activeTCPConns, -1)
}

// addTraffic accumulates relayed byte counts, both in the delta
// counters drained by the sync report and in the lifetime totals.
func (state *userState) addTraffic(up, down int64) {
	if up > 0 {
		atomic.AddInt64(&state.bytesUp, up)
		atomic.AddInt64(&state.totalBytesUp, up)
	}
	if down > 0 {
		atomic.AddInt64(&state.bytesDown, down)
		atomic.AddInt64(&state.totalBytesDown, down)
	}
}

// drainTraffic returns the byte counts accumulated since the last
// drain and resets the delta counters.
func (state *userState) drainTraffic() (int64, int64) {
	return atomic.SwapInt64(&state.bytesUp, 0),
		atomic.SwapInt64(&state.bytesDown, 0)
}

// recordClientIP records an access from the specified client IP. IPs
// recently reported are deduplicated with a TTL cache.
func (state *userState) recordClientIP(IPAddress string) {
	if state.clientIPs.Add(IPAddress, time.Now(), 0) != nil {
		// Already recorded recently.
		return
	}
	state.newIPMutex.Lock()
	state.newIPs = append(state.newIPs, IPAddress)
	state.newIPMutex.Unlock()
}

// drainClientIPs returns the client IPs newly seen since the last
// drain.
func (state *userState) drainClientIPs() []string {
	state.newIPMutex.Lock()
	defer state.newIPMutex.Unlock()
	IPs := state.newIPs
	state.newIPs = nil
	return IPs
}

// portState is the set of users sharing one listening port. All users
// on a port must use the same cipher method, so inbound connections
// can be attributed by trial decryption with a single salt size.
type portState struct {
	port   int
	method string
	users  []*userState
}

func (port *portState) saltSize() int {
	return port.users[0].getCipher().SaltSize()
}

// Users is the user database. It holds the runtime state for all
// users, indexed by user ID and by listening port, and supports hot
// reloading from the users config file and replacement from the panel
// API sync service.
type Users struct {
	config *Config

	mutex sync.Mutex
	users map[int64]*userState
	ports map[int]*portState

	reloadableFile *common.ReloadableFile

	// portsChanged is signaled when the set of listening ports
	// changes; the listener manager watches it.
	portsChanged chan struct{}
}

// NewUsers creates the user database. When a users config file is
// configured, the file is loaded immediately and registered for
// hot reload.
func NewUsers(config *Config) (*Users, error) {

	users := &Users{
		config:       config,
		users:        make(map[int64]*userState),
		ports:        make(map[int]*portState),
		portsChanged: make(chan struct{}, 1),
	}

	if config.UsersFilename != "" {

		reloadable := common.NewReloadableFile(
			config.UsersFilename,
			func(fileContent []byte) error {
				var list UserList
				err := json.Unmarshal(fileContent, &list)
				if err != nil {
					return errors.Trace(err)
				}
				return errors.Trace(users.Apply(list.Users))
			})
		users.reloadableFile = &reloadable

		_, err := users.reloadableFile.Reload()
		if err != nil {
			return nil, errors.Trace(err)
		}
	}

	return users, nil
}

// Reloader returns the hot reload handle for the users config file, or
// nil when users are supplied by the sync service only.
func (u *Users) Reloader() common.Reloader {
	if u.reloadableFile == nil {
		return nil
	}
	return u.reloadableFile
}

// ValidateUserList checks a user list for consistency: valid cipher
// methods, usable ports and passwords, unique user IDs, and a single
// cipher method per port.
func ValidateUserList(list []*User) error {
	seenID := make(map[int64]bool)
	portMethod := make(map[int]string)
	for _, user := range list {
		if user.Port <= 0 || user.Port > 65535 {
			return errors.Tracef("user %d: invalid port %d", user.ID, user.Port)
		}
		if user.Password == "" {
			return errors.Tracef("user %d: missing password", user.ID)
		}
		if !cipher.IsSupportedMethod(user.Method) {
			return errors.Tracef(
				"user %d: unsupported method %s", user.ID, user.Method)
		}
		if seenID[user.ID] {
			return errors.Tracef("duplicate user ID %d", user.ID)
		}
		seenID[user.ID] = true
		method, ok := portMethod[user.Port]
		if ok && method != user.Method {
			return errors.Tracef(
				"port %d: conflicting methods %s and %s",
				user.Port, method, user.Method)
		}
		portMethod[user.Port] = user.Method
	}
	return nil
}

// Apply replaces the user set. Users present in the previous set keep
// their runtime state and traffic counters. When the set of listening
// ports changes, the listener manager is signaled.
func (u *Users) Apply(list []*User) error {

	err := ValidateUserList(list)
	if err != nil {
		return errors.Trace(err)
	}

	u.mutex.Lock()
	defer u.mutex.Unlock()

	newUsers := make(map[int64]*userState)
	newPorts := make(map[int]*portState)

	// Sort for a deterministic trial decryption order.
	sorted := make([]*User, len(list))
	copy(sorted, list)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ID < sorted[j].ID
	})

	for _, user := range sorted {

		state, ok := u.users[user.ID]
		if ok {
			err := state.update(user)
			if err != nil {
				return errors.Trace(err)
			}
		} else {
			state, err = newUserState(user)
			if err != nil {
				return errors.Trace(err)
			}
		}
		newUsers[user.ID] = state

		port, ok := newPorts[user.Port]
		if !ok {
			port = &portState{port: user.Port, method: user.Method}
			newPorts[user.Port] = port
		}
		port.users = append(port.users, state)
	}

	portsChanged := len(newPorts) != len(u.ports)
	if !portsChanged {
		for portNumber := range newPorts {
			if _, ok := u.ports[portNumber]; !ok {
				portsChanged = true
				break
			}
		}
	}

	u.users = newUsers
	u.ports = newPorts

	if portsChanged {
		select {
		case u.portsChanged <- struct{}{}:
		default:
		}
	}

	return nil
}

// PortsChanged returns the channel signaled when the set of listening
// ports changes.
func (u *Users) PortsChanged() <-chan struct{} {
	return u.portsChanged
}

// LookupPort returns the user set for the specified listening port, or
// nil when the port is no longer served.
func (u *Users) LookupPort(port int) *portState {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	return u.ports[port]
}

// ActivePorts returns the currently served listening ports.
func (u *Users) ActivePorts() []int {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	ports := make([]int, 0, len(u.ports))
	for port := range u.ports {
		ports = append(ports, port)
	}
	sort.Ints(ports)
	return ports
}

// Lookup returns the runtime state for the specified user ID.
func (u *Users) Lookup(userID int64) *userState {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	return u.users[userID]
}

// Count returns the number of users in the database.
func (u *Users) Count() int {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	return len(u.users)
}

// TrafficReport is one user's accumulated traffic and access records,
// as reported to the panel web API.
type TrafficReport struct {
	UserID          int64    `json:"user_id"`
	BytesUp         int64    `json:"u"`
	BytesDown       int64    `json:"d"`
	TCPConnTotal    int64    `json:"tcp_conn_num"`
	ActiveTCPConns  int64    `json:"tcp_conn_count"`
	ClientIPs       []string `json:"ip_list"`
	ReportTimestamp string   `json:"timestamp"`
}

// DrainTrafficReports collects and resets the per-user traffic deltas
// accumulated since the previous drain. Users with no new traffic and
// no new client IPs are omitted.
func (u *Users) DrainTrafficReports() []*TrafficReport {

	u.mutex.Lock()
	states := make([]*userState, 0, len(u.users))
	for _, state := range u.users {
		states = append(states, state)
	}
	u.mutex.Unlock()

	timestamp := common.GetCurrentTimestamp()

	var reports []*TrafficReport
	for _, state := range states {
		up, down := state.drainTraffic()
		IPs := state.drainClientIPs()
		if up == 0 && down == 0 && len(IPs) == 0 {
			continue
		}
		user, _ := state.snapshot()
		reports = append(reports, &TrafficReport{
			UserID:          user.ID,
			BytesUp:         up,
			BytesDown:       down,
			TCPConnTotal:    atomic.LoadInt64(&state.totalTCPConns),
			ActiveTCPConns:  atomic.LoadInt64(&state.activeTCPConns),
			ClientIPs:       IPs,
			ReportTimestamp: timestamp,
		})
	}

	sort.Slice(reports, func(i, j int) bool {
		return reports[i].UserID < reports[j].UserID
	})

	return reports
}

// GetMetrics returns aggregate user counters for the server_load log.
func (u *Users) GetMetrics() LogFields {

	u.mutex.Lock()
	states := make([]*userState, 0, len(u.users))
	for _, state := range u.users {
		states = append(states, state)
	}
	portCount := len(u.ports)
	u.mutex.Unlock()

	var activeTCP, totalTCP, activeUDP int64
	for _, state := range states {
		activeTCP += atomic.LoadInt64(&state.activeTCPConns)
		totalTCP += atomic.LoadInt64(&state.totalTCPConns)
		activeUDP += atomic.LoadInt64(&state.activeUDPSessions)
	}

	return LogFields{
		"users":               len(states),
		"ports":               portCount,
		"active_tcp_conns":    activeTCP,
		"total_tcp_conns":     totalTCP,
		"active_udp_sessions": activeUDP,
	}
}

func (state *userState) String() string {
	user, _ := state.snapshot()
	return fmt.Sprintf("user-%d", user.ID)
}
