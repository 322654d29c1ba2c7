package raft

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// HandleAppendEntries answers the leader's replication RPC, which doubles
// as the heartbeat.
func (n *Node) HandleAppendEntries(args AppendEntriesArgs) AppendEntriesResponse {
	n.mu.Lock()
	defer n.mu.Unlock()

	res := AppendEntriesResponse{Term: n.term}

	if args.Term < n.term {
		log.Debugf("%s rejecting append from %s: %v", n.id, args.LeaderID, ErrStaleTerm)
		return res
	}

	if args.Term > n.term {
		n.adoptTerm(args.Term)
	}
	if n.state != Follower {
		if n.state == Leader {
			n.stepDown()
		}
		n.state = Follower
	}

	n.leaderID = args.LeaderID
	n.electionTimer.Reset(n.randomTimeout())
	res.Term = n.term

	if !n.log.matches(args.PrevLogIndex, args.PrevLogTerm) {
		log.Debugf("%s rejecting append from %s: %v prevIndex=%d prevTerm=%d",
			n.id, args.LeaderID, ErrLogInconsistency, args.PrevLogIndex, args.PrevLogTerm)
		return res
	}

	if len(args.Entries) > 0 {
		if err := n.log.merge(args.Entries); err != nil {
			log.Warnf("%s rejecting append from %s: %v", n.id, args.LeaderID, err)
			return res
		}
	}

	if args.LeaderCommit > n.commitIndex {
		ci := args.LeaderCommit
		if last := n.log.lastIndex(); ci > last {
			ci = last
		}
		if ci > n.commitIndex {
			n.commitIndex = ci
			n.signalApply()
		}
	}

	res.Success = true
	return res
}

// heartbeat keeps followers in line while this node leads term.
func (n *Node) heartbeat(ctx context.Context, term int) {
	n.replicateAll(term)

	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n.replicateAll(term)
		case <-ctx.Done():
			log.Debugf("%s heartbeat stopping", n.id)
			return
		}
	}
}

// replicateAll fires a replication round at every peer concurrently.
// Rounds to different peers are unordered relative to each other.
func (n *Node) replicateAll(term int) {
	for _, peer := range n.peers {
		go n.replicate(peer, term)
	}
}

// replicate drives one peer toward the leader's log: send everything from
// nextIndex, and on a log-matching reject decrement nextIndex and resend
// until the follower accepts. Unreachable peers are simply retried on the
// next heartbeat tick.
func (n *Node) replicate(peer string, term int) {
	n.mu.Lock()
	if n.state != Leader || n.term != term || n.replicating[peer] {
		n.mu.Unlock()
		return
	}
	n.replicating[peer] = true
	n.mu.Unlock()

	defer func() {
		n.mu.Lock()
		if n.replicating != nil {
			n.replicating[peer] = false
		}
		n.mu.Unlock()
	}()

	for {
		n.mu.Lock()
		if n.state != Leader || n.term != term {
			n.mu.Unlock()
			return
		}

		next := n.nextIndex[peer]
		prevIndex := next - 1
		args := AppendEntriesArgs{
			Term:         term,
			LeaderID:     n.id,
			PrevLogIndex: prevIndex,
			PrevLogTerm:  n.log.termAt(prevIndex),
			Entries:      n.log.slice(next),
			LeaderCommit: n.commitIndex,
		}
		n.mu.Unlock()

		res, err := n.transport.AppendEntries(peer, args)
		if err != nil {
			log.Debugf("%s append to %s failed: %v", n.id, peer, err)
			return
		}

		if res.Term > term {
			n.observeTerm(res.Term)
			return
		}

		n.mu.Lock()
		if n.state != Leader || n.term != term {
			n.mu.Unlock()
			return
		}

		if res.Success {
			match := prevIndex + len(args.Entries)
			if match > n.matchIndex[peer] {
				n.matchIndex[peer] = match
			}
			n.nextIndex[peer] = n.matchIndex[peer] + 1
			n.advanceCommit()
			n.mu.Unlock()
			return
		}

		// Log mismatch: back up one entry and resend.
		if n.nextIndex[peer] > 0 {
			n.nextIndex[peer]--
		}
		n.mu.Unlock()
	}
}

// advanceCommit moves commitIndex to the highest index replicated on a
// majority. Only entries from the leader's current term count directly;
// earlier entries commit alongside them. Caller holds the lock.
func (n *Node) advanceCommit() {
	if n.state != Leader {
		return
	}

	for idx := n.log.lastIndex(); idx > n.commitIndex; idx-- {
		if n.log.termAt(idx) != n.term {
			break
		}

		count := 1
		for _, peer := range n.peers {
			if n.matchIndex[peer] >= idx {
				count++
			}
		}

		if count >= n.majority() {
			log.Debugf("%s commit index advancing to %d", n.id, idx)
			n.commitIndex = idx
			n.signalApply()
			break
		}
	}
}
