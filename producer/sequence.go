// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package producer

import (
	"sync"

	"github.com/absmach/fluxstream/stream"
)

// SequenceMap tracks the last sequence number written per partition key by
// ordered publishes. Writes to one key are serialized while other keys
// proceed independently.
type SequenceMap struct {
	mu    sync.RWMutex
	slots map[string]*slot
}

type slot struct {
	mu  sync.Mutex
	seq string
}

// NewSequenceMap creates an empty map.
func NewSequenceMap() *SequenceMap {
	return &SequenceMap{slots: make(map[string]*slot)}
}

// Last returns the last sequence number recorded for key.
// It waits for an in-flight write on the same key.
func (m *SequenceMap) Last(key string) (string, bool) {
	m.mu.RLock()
	s, ok := m.slots[key]
	m.mu.RUnlock()
	if !ok {
		return "", false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq, s.seq != ""
}

// Len returns the number of keys with a recorded sequence number.
func (m *SequenceMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, s := range m.slots {
		s.mu.Lock()
		if s.seq != "" {
			n++
		}
		s.mu.Unlock()
	}
	return n
}

// acquire locks the slot of key, creating it on first use.
// The caller must call release.
func (m *SequenceMap) acquire(key string) *slot {
	m.mu.RLock()
	s, ok := m.slots[key]
	m.mu.RUnlock()

	if !ok {
		m.mu.Lock()
		if s, ok = m.slots[key]; !ok {
			s = &slot{}
			m.slots[key] = s
		}
		m.mu.Unlock()
	}

	s.mu.Lock()
	return s
}

func (s *slot) release() {
	s.mu.Unlock()
}

// advance stores seq if it is newer than the recorded value.
// Must be called with the slot held.
func (s *slot) advance(seq string) {
	if seq == "" {
		return
	}
	if s.seq == "" || stream.CompareSequence(seq, s.seq) > 0 {
		s.seq = seq
	}
}
