package cache

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/polcache/polcache/raft"
)

// Entry is one cached policy object. Entries are mutated only by applying
// committed log entries; reads just bump the access bookkeeping.
type Entry struct {
	PolicyID       string    `json:"policy_id"`
	Data           []byte    `json:"data"`
	Version        uint64    `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	TTLSeconds     int       `json:"ttl_seconds,omitempty"`
	AccessCount    uint64    `json:"access_count"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

// Expired reports whether the entry's TTL lapsed without an access. A zero
// TTL never expires.
func (e *Entry) Expired(now time.Time) bool {
	if e.TTLSeconds <= 0 {
		return false
	}
	return now.Sub(e.LastAccessedAt) > time.Duration(e.TTLSeconds)*time.Second
}

// Cache is the replicated policy state machine. Every node applies the
// same committed entries in the same order, so all replicas converge on
// the same entries and the same version vector.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*Entry
	versions map[string]uint64
	now      func() time.Time
}

func New() *Cache {
	return &Cache{
		entries:  make(map[string]*Entry),
		versions: make(map[string]uint64),
		now:      time.Now,
	}
}

// Apply executes one committed log entry. Timestamps come from the entry
// itself so replicas stay byte-for-byte identical.
func (c *Cache) Apply(e raft.LogEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cmd := e.Cmd

	switch cmd.Type {
	case raft.PolicyUpdate:
		version := c.versions[cmd.PolicyID] + 1
		c.versions[cmd.PolicyID] = version

		entry, ok := c.entries[cmd.PolicyID]
		if !ok {
			entry = &Entry{
				PolicyID:       cmd.PolicyID,
				CreatedAt:      e.Timestamp,
				LastAccessedAt: e.Timestamp,
			}
			c.entries[cmd.PolicyID] = entry
		}
		entry.Data = cmd.Data
		entry.Version = version
		entry.UpdatedAt = e.Timestamp
		entry.TTLSeconds = cmd.TTLSeconds

	case raft.PolicyDelete:
		delete(c.entries, cmd.PolicyID)
		delete(c.versions, cmd.PolicyID)

	case raft.CacheInvalidate:
		// Eviction without a version bump: the version vector survives so
		// a later update continues the sequence.
		for _, id := range cmd.PolicyIDs {
			delete(c.entries, id)
		}

	case raft.ConfigChange:
		// Membership is fixed; the entry replicates but has no cache
		// effect.

	default:
		log.Warnf("ignoring unknown command type %d at index %d", cmd.Type, e.Index)
	}
}

// Get returns a copy of a live entry and bumps its access bookkeeping.
// Expired entries are dropped and reported as misses.
func (c *Cache) Get(id string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return Entry{}, false
	}

	now := c.now()
	if e.Expired(now) {
		delete(c.entries, id)
		return Entry{}, false
	}

	e.AccessCount++
	e.LastAccessedAt = now

	return *e, true
}

// Fill installs an entry served by the leader on behalf of a local miss.
// The version vector is left alone: it advances only through Apply, and a
// later replay of the same updates must produce the same versions here as
// it did on the leader.
func (c *Cache) Fill(e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cp := e
	if cp.LastAccessedAt.IsZero() {
		cp.LastAccessedAt = c.now()
	}
	c.entries[cp.PolicyID] = &cp
}

// Len is the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Version reports the applied version for a policy id.
func (c *Cache) Version(id string) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.versions[id]
	return v, ok
}
