// Package store implements the zero-knowledge message store: opaque
// ciphertext blobs indexed by sender and recipient public key, with
// retention pruning. The server never interprets stored content. See
// spec.md §4.I.
package store

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/darkwarrior5/phantom-messenger-sub000/internal/metrics"
)

const (
	maxEntriesPerKey = 10000
	retentionPeriod  = 30 * 24 * time.Hour
	pruneInterval    = time.Hour
	defaultListLimit = 1000
	conversationLimit = 500
)

// Message is one opaque stored blob, keyed by sender/recipient public
// identity. Content is never inspected by the store.
type Message struct {
	ID              string
	SenderKey       string
	RecipientKey    string
	EncryptedBlob   []byte
	Timestamp       int64
	Delivered       bool
	DeliveredTo     map[string]bool
}

// Store holds two append-only per-key indexes over the same entries.
type Store struct {
	mu          sync.RWMutex
	byRecipient map[string][]*Message
	bySender    map[string][]*Message

	counter int64

	stopCh chan struct{}
}

// New creates an empty Store and starts its hourly retention pruner.
func New() *Store {
	s := &Store{
		byRecipient: make(map[string][]*Message),
		bySender:    make(map[string][]*Message),
		stopCh:      make(chan struct{}),
	}
	go s.pruneLoop()
	return s
}

// Stop halts the background pruner.
func (s *Store) Stop() {
	close(s.stopCh)
}

func (s *Store) pruneLoop() {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.pruneExpired()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Store) pruneExpired() {
	cutoff := time.Now().Add(-retentionPeriod).UnixMilli()
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int
	for key, msgs := range s.byRecipient {
		kept := filterNewerThan(msgs, cutoff)
		removed += len(msgs) - len(kept)
		s.byRecipient[key] = kept
	}
	for key, msgs := range s.bySender {
		s.bySender[key] = filterNewerThan(msgs, cutoff)
	}
	if removed > 0 {
		metrics.ExpiredMessagesCleanedUp.Add(float64(removed))
	}
}

func filterNewerThan(msgs []*Message, cutoffMillis int64) []*Message {
	out := msgs[:0:0]
	for _, m := range msgs {
		if m.Timestamp >= cutoffMillis {
			out = append(out, m)
		}
	}
	return out
}

// Store records a new message under both indexes, returning its
// generated id. Each per-key list is capped at 10 000 entries; the
// oldest is dropped once exceeded.
func (s *Store) Store(senderKey, recipientKey string, encryptedBlob []byte) string {
	ts := time.Now().UnixMilli()
	n := atomic.AddInt64(&s.counter, 1)
	id := fmt.Sprintf("msg_%d_%d", ts, n)

	msg := &Message{
		ID:            id,
		SenderKey:     senderKey,
		RecipientKey:  recipientKey,
		EncryptedBlob: encryptedBlob,
		Timestamp:     ts,
		DeliveredTo:   make(map[string]bool),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byRecipient[recipientKey] = appendCapped(s.byRecipient[recipientKey], msg)
	s.bySender[senderKey] = appendCapped(s.bySender[senderKey], msg)
	return id
}

func appendCapped(list []*Message, msg *Message) []*Message {
	list = append(list, msg)
	if len(list) > maxEntriesPerKey {
		list = list[len(list)-maxEntriesPerKey:]
	}
	return list
}

// GetForUser merges the sender and recipient lists for key, deduplicates
// by id, filters by timestamp > sinceTS (0 disables the filter), sorts
// ascending, and returns at most the last limit entries.
func (s *Store) GetForUser(key string, sinceTS int64, limit int) []*Message {
	if limit <= 0 {
		limit = defaultListLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]*Message)
	for _, m := range s.byRecipient[key] {
		seen[m.ID] = m
	}
	for _, m := range s.bySender[key] {
		seen[m.ID] = m
	}

	merged := make([]*Message, 0, len(seen))
	for _, m := range seen {
		if m.Timestamp > sinceTS {
			merged = append(merged, m)
		}
	}
	sortByTimestamp(merged)
	return lastN(merged, limit)
}

// GetConversation returns messages exchanged between a and b, in either
// direction, newest-last.
func (s *Store) GetConversation(a, b string, sinceTS int64, limit int) []*Message {
	if limit <= 0 {
		limit = conversationLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Message
	for _, m := range s.bySender[a] {
		if m.RecipientKey == b && m.Timestamp > sinceTS {
			out = append(out, m)
		}
	}
	for _, m := range s.bySender[b] {
		if m.RecipientKey == a && m.Timestamp > sinceTS {
			out = append(out, m)
		}
	}
	sortByTimestamp(out)
	return lastN(out, limit)
}

// GetUndelivered returns every message to recipientKey not yet delivered
// to any device.
func (s *Store) GetUndelivered(recipientKey string) []*Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Message
	for _, m := range s.byRecipient[recipientKey] {
		if !m.Delivered {
			out = append(out, m)
		}
	}
	return out
}

// MarkDelivered records clientID as having received message id, in both
// indexes (the same *Message pointer is shared between them).
func (s *Store) MarkDelivered(id, clientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.findByID(id) {
		m.DeliveredTo[clientID] = true
		m.Delivered = true
		return true
	}
	return false
}

func (s *Store) findByID(id string) []*Message {
	for _, msgs := range s.byRecipient {
		for _, m := range msgs {
			if m.ID == id {
				return []*Message{m}
			}
		}
	}
	return nil
}

// DeleteAllForUser removes every message where key is sender or
// recipient, returning the count removed.
func (s *Store) DeleteAllForUser(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	removed += len(s.byRecipient[key])
	delete(s.byRecipient, key)
	removed += len(s.bySender[key])
	delete(s.bySender, key)

	for k, msgs := range s.byRecipient {
		s.byRecipient[k] = filterNotInvolving(msgs, key, &removed)
	}
	for k, msgs := range s.bySender {
		s.bySender[k] = filterNotInvolving(msgs, key, &removed)
	}
	return removed
}

func filterNotInvolving(msgs []*Message, key string, removed *int) []*Message {
	out := msgs[:0:0]
	for _, m := range msgs {
		if m.SenderKey == key || m.RecipientKey == key {
			*removed++
			continue
		}
		out = append(out, m)
	}
	return out
}

// DeleteConversation removes every message between a and b, returning the
// count removed.
func (s *Store) DeleteConversation(a, b string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	isConversation := func(m *Message) bool {
		return (m.SenderKey == a && m.RecipientKey == b) || (m.SenderKey == b && m.RecipientKey == a)
	}
	for k, msgs := range s.byRecipient {
		s.byRecipient[k] = filterOutPredicate(msgs, isConversation, &removed)
	}
	for k, msgs := range s.bySender {
		s.bySender[k] = filterOutPredicate(msgs, isConversation, &removed)
	}
	// removed counts each matching message twice (once per index); the
	// public contract is "count removed" meaning distinct messages.
	return removed / 2
}

func filterOutPredicate(msgs []*Message, match func(*Message) bool, removed *int) []*Message {
	out := msgs[:0:0]
	for _, m := range msgs {
		if match(m) {
			*removed++
			continue
		}
		out = append(out, m)
	}
	return out
}

func sortByTimestamp(msgs []*Message) {
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Timestamp < msgs[j].Timestamp })
}

func lastN(msgs []*Message, n int) []*Message {
	if len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}
