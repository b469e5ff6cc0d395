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
	"sync"

	"github.com/aioshadowsocks/aioshadowsocks-go/shadowsocks/common/errors"
)

// ListenerManager keeps one TCP and one UDP relay service running per
// listening port in the user database, opening and closing listeners
// as ports appear and disappear across user reloads and panel syncs.
type ListenerManager struct {
	support           *SupportServices
	shutdownBroadcast <-chan struct{}

	mutex       sync.Mutex
	tcpServices map[int]*TCPService
	udpServices map[int]*UDPService

	waitGroup *sync.WaitGroup
}

// NewListenerManager creates a ListenerManager.
func NewListenerManager(
	support *SupportServices,
	shutdownBroadcast <-chan struct{}) *ListenerManager {

	return &ListenerManager{
		support:           support,
		shutdownBroadcast: shutdownBroadcast,
		tcpServices:       make(map[int]*TCPService),
		udpServices:       make(map[int]*UDPService),
		waitGroup:         new(sync.WaitGroup),
	}
}

// Run opens listeners for the initial port set, then reconciles on
// every port set change until the shutdown broadcast is closed. The
// initial reconcile must succeed; later reconcile failures, such as a
// newly synced port that cannot be bound, are logged and retried on
// the next change.
func (manager *ListenerManager) Run() error {

	err := manager.reconcile()
	if err != nil {
		manager.stopAll()
		return errors.Trace(err)
	}

	for {
		select {
		case <-manager.support.Users.PortsChanged():
			err := manager.reconcile()
			if err != nil {
				log.WithTraceFields(
					LogFields{"error": err}).Error("reconcile listeners failed")
			}

		case <-manager.shutdownBroadcast:
			manager.stopAll()
			return nil
		}
	}
}

func (manager *ListenerManager) reconcile() error {

	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	active := make(map[int]bool)
	for _, port := range manager.support.Users.ActivePorts() {
		active[port] = true
	}

	for port, tcpService := range manager.tcpServices {
		if !active[port] {
			tcpService.Stop()
			delete(manager.tcpServices, port)
		}
	}
	for port, udpService := range manager.udpServices {
		if !active[port] {
			udpService.Stop()
			delete(manager.udpServices, port)
		}
	}

	var retErr error

	for port := range active {

		if _, ok := manager.tcpServices[port]; !ok {
			tcpService, err := NewTCPService(
				manager.support, port, manager.shutdownBroadcast)
			if err != nil {
				retErr = errors.Trace(err)
				continue
			}
			manager.tcpServices[port] = tcpService
			manager.waitGroup.Add(1)
			go func() {
				defer manager.waitGroup.Done()
				tcpService.Run()
			}()
		}

		if _, ok := manager.udpServices[port]; !ok {
			udpService, err := NewUDPService(
				manager.support, port, manager.shutdownBroadcast)
			if err != nil {
				retErr = errors.Trace(err)
				continue
			}
			manager.udpServices[port] = udpService
			manager.waitGroup.Add(1)
			go func() {
				defer manager.waitGroup.Done()
				udpService.Run()
			}()
		}
	}

	return retErr
}

func (manager *ListenerManager) stopAll() {

	manager.mutex.Lock()
	tcpServices := manager.tcpServices
	udpServices := manager.udpServices
	manager.tcpServices = make(map[int]*TCPService)
	manager.udpServices = make(map[int]*UDPService)
	manager.mutex.Unlock()

	for _, tcpService := range tcpServices {
		tcpService.Stop()
	}
	for _, udpService := range udpServices {
		udpService.Stop()
	}

	manager.waitGroup.Wait()
}
