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
	"testing"
	"time"

	"github.com/aioshadowsocks/aioshadowsocks-go/shadowsocks/common"
)

func TestReplayHistory(t *testing.T) {

	history := NewReplayHistory(
		&Config{replayHistoryTTL: time.Hour})
	if history == nil {
		t.Fatal("unexpected nil history")
	}

	salt, err := common.MakeSecureRandomBytes(32)
	if err != nil {
		t.Fatalf("MakeSecureRandomBytes failed: %s", err)
	}

	if !history.CheckSalt(salt) {
		t.Fatal("unexpected replay detection for new salt")
	}

	if history.CheckSalt(salt) {
		t.Fatal("expected replay detection for repeated salt")
	}

	otherSalt, err := common.MakeSecureRandomBytes(32)
	if err != nil {
		t.Fatalf("MakeSecureRandomBytes failed: %s", err)
	}

	if !history.CheckSalt(otherSalt) {
		t.Fatal("unexpected replay detection for new salt")
	}

	metrics := history.GetMetrics()
	if metrics["replay_checked_count"] != int64(3) {
		t.Fatalf("unexpected checked count: %v", metrics["replay_checked_count"])
	}
	if metrics["replay_detected_count"] != int64(1) {
		t.Fatalf("unexpected detected count: %v", metrics["replay_detected_count"])
	}
}

func TestReplayHistoryRotation(t *testing.T) {

	// With a tiny TTL, each check rotates the filters, so a salt ages
	// out after the second filter is cleared.

	history := NewReplayHistory(
		&Config{replayHistoryTTL: time.Nanosecond})

	salt, err := common.MakeSecureRandomBytes(32)
	if err != nil {
		t.Fatalf("MakeSecureRandomBytes failed: %s", err)
	}

	if !history.CheckSalt(salt) {
		t.Fatal("unexpected replay detection for new salt")
	}

	time.Sleep(time.Millisecond)

	// Still within two filter periods of the original record.
	if history.CheckSalt(salt) {
		t.Fatal("expected replay detection for repeated salt")
	}

	otherSalt, err := common.MakeSecureRandomBytes(32)
	if err != nil {
		t.Fatalf("MakeSecureRandomBytes failed: %s", err)
	}

	time.Sleep(time.Millisecond)
	history.CheckSalt(otherSalt)
	time.Sleep(time.Millisecond)
	history.CheckSalt(otherSalt)

	// Two rotations have cleared both filters of the original salt.
	if !history.CheckSalt(salt) {
		t.Fatal("expected salt to age out of history")
	}
}

func TestReplayHistoryDisabled(t *testing.T) {

	history := NewReplayHistory(
		&Config{DisableReplayDetection: true, replayHistoryTTL: time.Hour})
	if history != nil {
		t.Fatal("expected nil history when disabled")
	}

	salt := make([]byte, 32)

	// A nil history accepts every salt.
	if !history.CheckSalt(salt) {
		t.Fatal("unexpected replay detection with disabled history")
	}
	if !history.CheckSalt(salt) {
		t.Fatal("unexpected replay detection with disabled history")
	}

	if len(history.GetMetrics()) != 0 {
		t.Fatal("unexpected metrics for nil history")
	}
}
