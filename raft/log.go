package raft

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"time"
)

// LogEntry is a single replicated record. Index is the entry's 0-based
// position in the log and is identical on every node that holds it.
type LogEntry struct {
	Term      int
	Index     int
	Cmd       Command
	Timestamp time.Time
	Checksum  uint64
}

// Sum computes the content hash over every field except Checksum itself.
// It detects corruption in transit, nothing more.
func (e LogEntry) Sum() uint64 {
	h := fnv.New64a()

	var buf [8]byte
	writeInt := func(v int64) {
		binary.BigEndian.PutUint64(buf[:], uint64(v))
		h.Write(buf[:])
	}

	writeInt(int64(e.Term))
	writeInt(int64(e.Index))
	writeInt(int64(e.Cmd.Type))
	h.Write([]byte(e.Cmd.PolicyID))
	h.Write(e.Cmd.Data)
	writeInt(int64(e.Cmd.TTLSeconds))
	for _, id := range e.Cmd.PolicyIDs {
		h.Write([]byte(id))
	}
	writeInt(e.Timestamp.UnixNano())

	return h.Sum64()
}

// Log is the in-memory replicated log. It is owned by a single Node and
// guarded by that node's mutex.
type Log struct {
	entries []LogEntry
}

func (l *Log) length() int { return len(l.entries) }

func (l *Log) lastIndex() int { return len(l.entries) - 1 }

func (l *Log) entry(i int) LogEntry { return l.entries[i] }

func (l *Log) termAt(i int) int {
	if i < 0 || i >= len(l.entries) {
		return 0
	}
	return l.entries[i].Term
}

// appendLocal appends a new entry at the tail. Leader-only; a leader never
// overwrites entries it has appended.
func (l *Log) appendLocal(term int, cmd Command) LogEntry {
	e := LogEntry{
		Term:      term,
		Index:     len(l.entries),
		Cmd:       cmd,
		Timestamp: time.Now(),
	}
	e.Checksum = e.Sum()
	l.entries = append(l.entries, e)
	return e
}

// matches reports whether the log holds prevIndex with prevTerm. An index
// of -1 denotes the empty prefix and always matches.
func (l *Log) matches(prevIndex, prevTerm int) bool {
	if prevIndex < 0 {
		return true
	}
	if prevIndex >= len(l.entries) {
		return false
	}
	return l.entries[prevIndex].Term == prevTerm
}

// merge installs replicated entries, truncating any conflicting suffix
// first. Entries already present with the same term are left alone. The
// caller has already verified the prevLog position with matches.
func (l *Log) merge(entries []LogEntry) error {
	for _, e := range entries {
		if e.Checksum != e.Sum() {
			return fmt.Errorf("%w at index %d", ErrCorruptEntry, e.Index)
		}
	}

	for _, e := range entries {
		switch {
		case e.Index <= l.lastIndex():
			if l.entries[e.Index].Term != e.Term {
				l.entries = append(l.entries[:e.Index], e)
			}
		case e.Index == len(l.entries):
			l.entries = append(l.entries, e)
		default:
			return fmt.Errorf("%w: gap at index %d", ErrLogInconsistency, e.Index)
		}
	}

	return nil
}

// slice returns a copy of the entries from index on.
func (l *Log) slice(from int) []LogEntry {
	if from < 0 {
		from = 0
	}
	if from >= len(l.entries) {
		return nil
	}
	return append([]LogEntry(nil), l.entries[from:]...)
}
