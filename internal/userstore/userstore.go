/*
 * MIT License
 *
 * Copyright (c) 2022 Nicolas JUHEL
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

// Package userstore is the credential-store-backed user table: an
// in-memory username->password map, loaded once at startup and kept in
// sync with the backing `user(username, passwd)` table on every
// registration.
package userstore

import (
	"context"

	"github.com/sabouaram/webengine/internal/credpool"
	"github.com/sabouaram/webengine/internal/syncx"
)

// Row mirrors one row of the `user` table.
type Row struct {
	Username string `gorm:"column:username"`
	Passwd   string `gorm:"column:passwd"`
}

// TableName pins gorm to the literal table name from spec.md §6.
func (Row) TableName() string { return "user" }

// Store is the in-memory map guarded by its own mutex, backed by a
// credpool.Pool for the rows that must reach the credential store.
type Store struct {
	mu    syncx.Mutex
	users map[string]string
	pool  *credpool.Pool
}

// New wraps pool; the in-memory map starts empty until Load is called.
func New(pool *credpool.Pool) *Store {
	return &Store{users: make(map[string]string), pool: pool}
}

// Load runs `SELECT username,passwd FROM user` once at startup and
// populates the in-memory map. Query failures are returned to the caller
// to log; they do not panic.
func (s *Store) Load(ctx context.Context) error {
	g, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer g.Close()

	var rows []Row
	if err := g.DB().WithContext(ctx).Find(&rows).Error; err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		s.users[r.Username] = r.Passwd
	}
	return nil
}

// Check reports whether (user, password) is a match for a record already
// known to the in-memory map. Used by the login CGI tag.
func (s *Store) Check(user, password string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	got, ok := s.users[user]
	return ok && got == password
}

// Exists reports whether user is already known, without checking the
// password. Used by the register CGI tag.
func (s *Store) Exists(user string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.users[user]
	return ok
}

// Register inserts (user, password) into the credential store and, only
// on success, into the in-memory map under the same mutex used by Check
// and Exists (spec.md §3: "mutated only while a single credential-session
// insert completes").
func (s *Store) Register(ctx context.Context, user, password string) error {
	g, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer g.Close()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[user]; ok {
		return nil
	}

	if err := g.DB().WithContext(ctx).Create(&Row{Username: user, Passwd: password}).Error; err != nil {
		return err
	}

	s.users[user] = password
	return nil
}
