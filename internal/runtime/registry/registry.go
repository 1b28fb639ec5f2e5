// Package registry stores the ordered subscriber lists of a bus.
//
// Every mutation replaces the affected topic slice with a fresh copy, so a
// slice returned by Lookup is never written to again and can be iterated
// without holding any lock.
package registry

import (
	"slices"
	"sync"
	"time"

	idspkg "github.com/drblury/topicbus/internal/runtime/ids"
)

// SubscriptionID identifies one registry entry. IDs are ULIDs and sort in
// creation order.
type SubscriptionID string

// Entry is a single (topic, handler) registration.
type Entry[H any] struct {
	ID      SubscriptionID
	Topic   string
	Handler H
	// Seq is the registry-wide registration index.
	Seq       uint64
	CreatedAt time.Time
}

// Registry maps topics to their entries in registration order.
type Registry[H any] struct {
	mu     sync.RWMutex
	topics map[string][]Entry[H]
	index  map[SubscriptionID]string
	seq    uint64
}

func New[H any]() *Registry[H] {
	return &Registry[H]{
		topics: make(map[string][]Entry[H]),
		index:  make(map[SubscriptionID]string),
	}
}

// Register appends handler to the topic's list, creating the topic on first use.
func (r *Registry[H]) Register(topic string, handler H) SubscriptionID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerLocked(topic, handler, time.Now().UTC())
}

// RegisterMany registers handler under every topic in order. All entries
// become visible to Lookup at once.
func (r *Registry[H]) RegisterMany(topics []string, handler H) []SubscriptionID {
	if len(topics) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	ids := make([]SubscriptionID, 0, len(topics))
	for _, topic := range topics {
		ids = append(ids, r.registerLocked(topic, handler, now))
	}
	return ids
}

func (r *Registry[H]) registerLocked(topic string, handler H, now time.Time) SubscriptionID {
	r.seq++
	entry := Entry[H]{
		ID:        SubscriptionID(idspkg.NewAt(now).String()),
		Topic:     topic,
		Handler:   handler,
		Seq:       r.seq,
		CreatedAt: now,
	}

	current := r.topics[topic]
	next := make([]Entry[H], len(current), len(current)+1)
	copy(next, current)
	r.topics[topic] = append(next, entry)
	r.index[entry.ID] = topic
	return entry.ID
}

// Lookup returns the topic's entries in registration order. The returned slice
// is shared and must not be modified.
func (r *Registry[H]) Lookup(topic string) []Entry[H] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.topics[topic]
}

// Remove deletes a single entry. It reports whether the entry existed.
func (r *Registry[H]) Remove(id SubscriptionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(id)
}

// RemoveGroup deletes every listed entry under one lock and returns how many
// were found.
func (r *Registry[H]) RemoveGroup(ids []SubscriptionID) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for _, id := range ids {
		if r.removeLocked(id) {
			removed++
		}
	}
	return removed
}

func (r *Registry[H]) removeLocked(id SubscriptionID) bool {
	topic, ok := r.index[id]
	if !ok {
		return false
	}
	delete(r.index, id)

	current := r.topics[topic]
	next := make([]Entry[H], 0, len(current))
	for _, entry := range current {
		if entry.ID != id {
			next = append(next, entry)
		}
	}
	// The topic itself stays known even when its last entry goes away.
	r.topics[topic] = next
	return true
}

// Topic reports which topic an entry belongs to.
func (r *Registry[H]) Topic(id SubscriptionID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	topic, ok := r.index[id]
	return topic, ok
}

// Topics returns every known topic, sorted.
func (r *Registry[H]) Topics() []string {
	r.mu.RLock()
	topics := make([]string, 0, len(r.topics))
	for topic := range r.topics {
		topics = append(topics, topic)
	}
	r.mu.RUnlock()

	slices.Sort(topics)
	return topics
}

// Count returns the number of entries for topic.
func (r *Registry[H]) Count(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics[topic])
}

// Len returns the number of entries across all topics.
func (r *Registry[H]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.index)
}
