package raft

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// HandleRequestVote answers a candidate's vote request. A vote is granted
// only when the candidate's term is current, no conflicting vote was cast
// this term, and the candidate's log is at least as up to date as ours.
func (n *Node) HandleRequestVote(args RequestVoteArgs) RequestVoteResponse {
	n.mu.Lock()
	defer n.mu.Unlock()

	if args.Term > n.term {
		n.adoptTerm(args.Term)
	}

	res := RequestVoteResponse{Term: n.term}

	if args.Term < n.term {
		log.Debugf("%s rejecting vote for %s: %v", n.id, args.CandidateID, ErrStaleTerm)
		return res
	}

	if n.votedFor != "" && n.votedFor != args.CandidateID {
		log.Debugf("%s already voted for %s this term", n.id, n.votedFor)
		return res
	}

	lastIndex := n.log.lastIndex()
	lastTerm := n.log.termAt(lastIndex)
	if args.LastLogTerm < lastTerm || (args.LastLogTerm == lastTerm && args.LastLogIndex < lastIndex) {
		log.Debugf("%s rejecting vote for %s: log not up to date", n.id, args.CandidateID)
		return res
	}

	n.votedFor = args.CandidateID
	// A voter that just granted a vote should not immediately compete.
	n.electionTimer.Reset(n.randomTimeout())

	log.Infof("%s voting for %s term=%d", n.id, args.CandidateID, n.term)

	res.VoteGranted = true
	return res
}

// adoptTerm moves to a higher term, clearing any vote and stepping down
// from leadership. Caller holds the lock.
func (n *Node) adoptTerm(term int) {
	if term <= n.term {
		return
	}

	n.term = term
	n.votedFor = ""
	n.leaderID = ""

	if n.state == Leader {
		n.stepDown()
	}
	n.state = Follower
}

// stepDown cancels leader duties. Caller holds the lock.
func (n *Node) stepDown() {
	if n.heartbeatCancel != nil {
		n.heartbeatCancel()
		n.heartbeatCancel = nil
	}
	n.state = Follower
	n.electionTimer.Reset(n.randomTimeout())
}

// stepUp initializes leader state and begins heartbeats. Caller holds the
// lock.
func (n *Node) stepUp() {
	n.state = Leader
	n.leaderID = n.id

	n.nextIndex = make(map[string]int, len(n.peers))
	n.matchIndex = make(map[string]int, len(n.peers))
	n.replicating = make(map[string]bool, len(n.peers))
	for _, peer := range n.peers {
		n.nextIndex[peer] = n.log.length()
		n.matchIndex[peer] = -1
	}

	n.electionTimer.Stop()

	var ctx context.Context
	ctx, n.heartbeatCancel = context.WithCancel(context.Background())

	log.Infof("%s won election term=%d", n.id, n.term)

	go n.heartbeat(ctx, n.term)
}

// observeTerm handles a higher term seen in any RPC response.
func (n *Node) observeTerm(term int) {
	n.mu.Lock()
	if term > n.term {
		log.Infof("%s observed higher term %d, stepping down", n.id, term)
		n.adoptTerm(term)
	}
	n.mu.Unlock()
}

func (n *Node) electionCountdown() {
	for {
		select {
		case <-n.electionTimer.C:
			n.startElection()
		case <-n.stopped:
			return
		}
	}
}

// startElection moves to Candidate, votes for itself, and asks every peer
// for a vote concurrently. Results are funneled back over a channel and
// counted until a majority or exhaustion.
func (n *Node) startElection() {
	n.mu.Lock()

	if n.state == Leader {
		n.mu.Unlock()
		return
	}

	n.term++
	n.state = Candidate
	n.votedFor = n.id
	n.leaderID = ""

	term := n.term
	lastIndex := n.log.lastIndex()
	lastTerm := n.log.termAt(lastIndex)
	peers := append([]string(nil), n.peers...)

	n.electionTimer.Reset(n.randomTimeout())
	n.mu.Unlock()

	log.Infof("%s starting election term=%d", n.id, term)

	votes := make(chan bool, len(peers))
	for _, peer := range peers {
		go func(p string) {
			args := RequestVoteArgs{
				Term:         term,
				CandidateID:  n.id,
				LastLogIndex: lastIndex,
				LastLogTerm:  lastTerm,
			}

			res, err := n.transport.RequestVote(p, args)
			if err != nil {
				log.Debugf("%s vote request to %s failed: %v", n.id, p, err)
				votes <- false
				return
			}

			if res.Term > term {
				n.observeTerm(res.Term)
			}

			votes <- res.VoteGranted
		}(peer)
	}

	granted := 1
	for i := 0; i < len(peers); i++ {
		if <-votes {
			granted++
		}
		if granted >= n.majority() {
			break
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state != Candidate || n.term != term {
		// Deposed or superseded while campaigning.
		return
	}

	if granted < n.majority() {
		log.Infof("%s lost election term=%d votes=%d", n.id, term, granted)
		n.state = Follower
		return
	}

	n.stepUp()
}
