/*
 * MIT License
 *
 * Copyright (c) 2020 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

// Package config holds the engine's immutable configuration record,
// populated once from CLI flags at startup (see cmd/webengine).
package config

import "fmt"

// LogMode selects whether the access log writes synchronously or through
// the background drain goroutine.
type LogMode int

const (
	LogSync LogMode = iota
	LogAsync
)

// DispatchMode selects which component performs client socket I/O.
type DispatchMode int

const (
	// DispatchCompletion: the reactor performs read/write, workers only
	// run process().
	DispatchCompletion DispatchMode = iota
	// DispatchReadiness: workers perform read/write themselves on
	// demand.
	DispatchReadiness
)

// TriggerMode is level- or edge-triggered readiness reporting.
type TriggerMode int

const (
	LevelTriggered TriggerMode = iota
	EdgeTriggered
)

// TriggerCombo is one of the four (listen, conn) trigger-mode pairings
// selectable via -m.
type TriggerCombo int

const (
	ComboLTLT TriggerCombo = 0
	ComboLTET TriggerCombo = 1
	ComboETLT TriggerCombo = 2
	ComboETET TriggerCombo = 3
)

// Listen and Conn decompose a combo into its two trigger modes.
func (c TriggerCombo) Listen() TriggerMode {
	if c == ComboETLT || c == ComboETET {
		return EdgeTriggered
	}
	return LevelTriggered
}

func (c TriggerCombo) Conn() TriggerMode {
	if c == ComboLTET || c == ComboETET {
		return EdgeTriggered
	}
	return LevelTriggered
}

// Store holds the credential-store endpoint.
type Store struct {
	Host     string
	User     string
	Password string
	DB       string
	Port     int
}

// DSN renders the MySQL data source name consumed by
// gorm.io/driver/mysql.
func (s Store) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		s.User, s.Password, s.Host, s.Port, s.DB)
}

// Config is the immutable configuration record described in spec.md §3.
// Every field has the same default as the original C++ Config
// constructor.
type Config struct {
	Port int

	Store Store

	SessionPoolSize int
	WorkerCount     int

	Trigger TriggerCombo

	Linger bool

	LogMode  LogMode
	LogEnabled bool

	Dispatch DispatchMode
}

// Default returns a Config matching the original program's constructor
// defaults (PORT 9006, pools of 8, LT+LT trigger, sync logging enabled,
// completion dispatch).
func Default() Config {
	return Config{
		Port:            9006,
		SessionPoolSize: 8,
		WorkerCount:     8,
		Trigger:         ComboLTLT,
		Linger:          false,
		LogMode:         LogSync,
		LogEnabled:      true,
		Dispatch:        DispatchCompletion,
	}
}
