// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package memory implements kv.Store in-process, for single-node
// deployments and tests. It mirrors the mutex-guarded-map shape of the
// teacher's queue.MemoryQueue: one lock protects the key space and a second
// the subscriptions, with a background janitor sweeping expired entries.
package memory

import (
	"context"
	"path"
	"sync"
	"time"

	"github.com/flowcore/engine/internal/engine/kv"
)

type entry struct {
	value   []byte
	hash    map[string]string
	expires time.Time // zero means no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && now.After(e.expires)
}

// Store is an in-memory kv.Store.
type Store struct {
	mu   sync.Mutex
	data map[string]entry

	subMu sync.Mutex
	subs  map[string][]chan []byte

	janitorStop chan struct{}
	janitorDone chan struct{}
}

// New creates an in-memory store and starts its expiry janitor.
func New() *Store {
	s := &Store{
		data:        make(map[string]entry),
		subs:        make(map[string][]chan []byte),
		janitorStop: make(chan struct{}),
		janitorDone: make(chan struct{}),
	}
	go s.janitor()
	return s
}

func (s *Store) janitor() {
	defer close(s.janitorDone)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for k, e := range s.data {
				if e.expired(now) {
					delete(s.data, k)
				}
			}
			s.mu.Unlock()
		case <-s.janitorStop:
			return
		}
	}
}

// Close stops the janitor and releases all subscriptions.
func (s *Store) Close() error {
	close(s.janitorStop)
	<-s.janitorDone

	s.subMu.Lock()
	for _, chans := range s.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	s.subs = make(map[string][]chan []byte)
	s.subMu.Unlock()

	return nil
}

func expiresAt(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

// Set implements kv.Store.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = entry{value: append([]byte(nil), value...), expires: expiresAt(ttl)}
	return nil
}

// Get implements kv.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if !ok || e.expired(time.Now()) {
		return nil, kv.ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

// Del implements kv.Store.
func (s *Store) Del(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Keys implements kv.Store. pattern supports the same glob syntax as path.Match.
func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var out []string
	for k, e := range s.data {
		if e.expired(now) {
			continue
		}
		matched, err := path.Match(pattern, k)
		if err != nil {
			return nil, err
		}
		if matched {
			out = append(out, k)
		}
	}
	return out, nil
}

// Expire implements kv.Store.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if !ok || e.expired(time.Now()) {
		return kv.ErrNotFound
	}
	e.expires = expiresAt(ttl)
	s.data[key] = e
	return nil
}

// HSet implements kv.Store.
func (s *Store) HSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if !ok || e.expired(time.Now()) {
		e = entry{hash: make(map[string]string)}
	}
	if e.hash == nil {
		e.hash = make(map[string]string)
	}
	for k, v := range fields {
		e.hash[k] = v
	}
	e.expires = expiresAt(ttl)
	s.data[key] = e
	return nil
}

// HGetAll implements kv.Store.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if !ok || e.expired(time.Now()) {
		return nil, kv.ErrNotFound
	}

	out := make(map[string]string, len(e.hash))
	for k, v := range e.hash {
		out[k] = v
	}
	return out, nil
}

// Publish implements kv.Store.
func (s *Store) Publish(ctx context.Context, channel string, message []byte) error {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for _, ch := range s.subs[channel] {
		select {
		case ch <- append([]byte(nil), message...):
		default:
			// Slow subscriber; drop rather than block the publisher.
		}
	}
	return nil
}

// Subscribe implements kv.Store.
func (s *Store) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	ch := make(chan []byte, 64)

	s.subMu.Lock()
	s.subs[channel] = append(s.subs[channel], ch)
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		chans := s.subs[channel]
		for i, c := range chans {
			if c == ch {
				s.subs[channel] = append(chans[:i], chans[i+1:]...)
				close(ch)
				break
			}
		}
	}

	return ch, cancel, nil
}

var _ kv.Store = (*Store)(nil)
