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

// Package server implements a multi-user shadowsocks AEAD proxy
// server.
//
// Each user owns a password on a TCP and UDP listening port; multiple
// users may share a port. Users are defined in a hot-reloadable config
// file or fetched from a panel web API, to which per-user traffic is
// reported back.
package server

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aioshadowsocks/aioshadowsocks-go/shadowsocks/common"
	"github.com/aioshadowsocks/aioshadowsocks-go/shadowsocks/common/errors"
)

// RunServices initializes logging and the support services, starts the
// server components specified by the config, and runs them until an
// interrupt or termination signal is received.
//
// SIGUSR1 triggers a hot reload of the users config file and a log
// file reopen. SIGUSR2 triggers an immediate server_load log.
func RunServices(configJSON []byte) error {

	config, err := LoadConfig(configJSON)
	if err != nil {
		log.WithTraceFields(LogFields{"error": err}).Error("load config failed")
		return errors.Trace(err)
	}

	err = InitLogging(config)
	if err != nil {
		log.WithTraceFields(LogFields{"error": err}).Error("init logging failed")
		return errors.Trace(err)
	}

	support, err := NewSupportServices(config)
	if err != nil {
		log.WithTraceFields(LogFields{"error": err}).Error(
			"init support services failed")
		return errors.Trace(err)
	}

	log.WithTraceFields(
		LogFields{
			"users": support.Users.Count(),
			"ports": len(support.Users.ActivePorts())}).Info("startup")

	waitGroup := new(sync.WaitGroup)
	shutdownBroadcast := make(chan struct{})
	runErrors := make(chan error)

	listenerManager := NewListenerManager(support, shutdownBroadcast)

	waitGroup.Add(1)
	go func() {
		defer waitGroup.Done()
		err := listenerManager.Run()
		if err != nil {
			select {
			case runErrors <- err:
			default:
			}
		}
	}()

	if config.RunSyncService() {
		syncService := NewSyncService(support, shutdownBroadcast)
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			syncService.Run()
		}()
	}

	if config.RunLoadMonitor() {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			ticker := time.NewTicker(config.metricsInterval)
			defer ticker.Stop()
			for {
				select {
				case <-shutdownBroadcast:
					return
				case <-ticker.C:
					logServerLoad(support)
				}
			}
		}()
	}

	if config.RunWebService() {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			err := RunWebService(support, shutdownBroadcast)
			if err != nil {
				select {
				case runErrors <- err:
				default:
				}
			}
		}()
	}

	// An OS signal triggers an orderly shutdown
	systemStopSignal := make(chan os.Signal, 1)
	signal.Notify(systemStopSignal, os.Interrupt, syscall.SIGTERM)

	// SIGUSR1 triggers a reload of support services
	reloadSupportServicesSignal := make(chan os.Signal, 1)
	signal.Notify(reloadSupportServicesSignal, syscall.SIGUSR1)

	// SIGUSR2 triggers an immediate load log
	logServerLoadSignal := make(chan os.Signal, 1)
	signal.Notify(logServerLoadSignal, syscall.SIGUSR2)

	err = nil

loop:
	for {
		select {
		case <-reloadSupportServicesSignal:
			support.Reload()

		case <-logServerLoadSignal:
			logServerLoad(support)

		case <-systemStopSignal:
			log.WithTrace().Info("shutdown by system")
			break loop

		case err = <-runErrors:
			log.WithTraceFields(LogFields{"error": err}).Error("service failed")
			break loop
		}
	}

	close(shutdownBroadcast)
	waitGroup.Wait()

	return err
}

// SupportServices carries common and shared data components across
// different server components. SupportServices implements a hot reload
// of the user database, which allows the user set to be refreshed
// without restarting the server process.
type SupportServices struct {
	Config         *Config
	Users          *Users
	TargetResolver *TargetResolver
	ReplayHistory  *ReplayHistory
	Metrics        *Metrics
}

// NewSupportServices initializes a new SupportServices.
func NewSupportServices(config *Config) (*SupportServices, error) {

	users, err := NewUsers(config)
	if err != nil {
		return nil, errors.Trace(err)
	}

	targetResolver, err := NewTargetResolver(config)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return &SupportServices{
		Config:         config,
		Users:          users,
		TargetResolver: targetResolver,
		ReplayHistory:  NewReplayHistory(config),
		Metrics:        NewMetrics(),
	}, nil
}

// Reload reinitializes the user database from its config file and
// reopens the log file. If a component fails to reload, an error is
// logged and Reload proceeds, using the previous state of the
// component.
func (support *SupportServices) Reload() {

	var reloaders []common.Reloader
	if reloader := support.Users.Reloader(); reloader != nil {
		reloaders = append(reloaders, reloader)
	}

	for _, reloader := range reloaders {

		if !reloader.WillReload() {
			// Skip logging
			continue
		}

		// "reloaded" flag indicates if file was actually reloaded or ignored
		reloaded, err := reloader.Reload()
		if err != nil {
			log.WithTraceFields(
				LogFields{
					"reloader": reloader.LogDescription(),
					"error":    err}).Error("reload failed")
			// Keep running with previous state
		} else {
			log.WithTraceFields(
				LogFields{
					"reloader": reloader.LogDescription(),
					"reloaded": reloaded}).Info("reload success")
		}
	}

	err := ReopenLogFile()
	if err != nil {
		log.WithTraceFields(
			LogFields{"error": err}).Error("reopen log file failed")
	}
}
