package raft

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

type State string

const (
	Follower  State = "follower"
	Candidate State = "candidate"
	Leader    State = "leader"
)

// Config contains the settings needed to start a node. ID is the node's
// own address in the cluster; Peers lists every other member's address.
// Membership is fixed for the life of the process.
type Config struct {
	ID    string
	Peers []string

	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
	ProposeTimeout     time.Duration
}

func (c *Config) defaults() {
	if c.ElectionTimeoutMin == 0 {
		c.ElectionTimeoutMin = 150 * time.Millisecond
	}
	if c.ElectionTimeoutMax <= c.ElectionTimeoutMin {
		c.ElectionTimeoutMax = 2 * c.ElectionTimeoutMin
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 50 * time.Millisecond
	}
	if c.ProposeTimeout == 0 {
		c.ProposeTimeout = 2 * time.Second
	}
}

// Node is a raft node in a cluster.
type Node struct {
	id    string
	peers []string
	cfg   Config

	state    State
	term     int
	votedFor string
	leaderID string

	log         *Log
	fsm         FSM
	commitIndex int
	lastApplied int

	// Leader bookkeeping, rebuilt on every election win.
	nextIndex   map[string]int
	matchIndex  map[string]int
	replicating map[string]bool

	electionTimer   *time.Timer
	heartbeatCancel context.CancelFunc
	rand            *rand.Rand

	transport Transport
	forwardCb func(ClientRequest) ClientResponse

	applySignal chan struct{}
	waiters     map[int]waiter

	mu       sync.Mutex
	stopOnce sync.Once
	stopped  chan struct{}
}

// waiter resolves a Propose call once its entry is applied. The term pins
// the entry the caller appended; if a different leader's entry lands on
// the same index the proposal has been lost.
type waiter struct {
	term int
	ch   chan bool
}

// New creates a node. Start must be called before it participates in the
// cluster.
func New(cfg Config, fsm FSM, transport Transport) *Node {
	cfg.defaults()

	n := &Node{
		id:          cfg.ID,
		peers:       append([]string(nil), cfg.Peers...),
		cfg:         cfg,
		state:       Follower,
		log:         &Log{},
		fsm:         fsm,
		commitIndex: -1,
		lastApplied: -1,
		rand:        rand.New(rand.NewSource(time.Now().UnixNano())),
		transport:   transport,
		applySignal: make(chan struct{}, 1),
		waiters:     make(map[int]waiter),
		stopped:     make(chan struct{}),
	}

	n.electionTimer = time.NewTimer(n.randomTimeout())

	return n
}

// Start brings up the transport and the node's background loops.
func (n *Node) Start() error {
	if err := n.transport.Start(n); err != nil {
		return fmt.Errorf("transport start: %w", err)
	}

	log.Infof("%s starting as follower", n.id)

	go n.electionCountdown()
	go n.applyLoop()

	return nil
}

// Stop tears the node down. In-flight proposals fail with ErrStopped.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		close(n.stopped)

		n.mu.Lock()
		if n.heartbeatCancel != nil {
			n.heartbeatCancel()
			n.heartbeatCancel = nil
		}
		n.electionTimer.Stop()
		n.state = Follower
		n.mu.Unlock()

		if err := n.transport.Stop(); err != nil {
			log.Warnf("%s transport stop: %v", n.id, err)
		}

		log.Infof("%s stopped", n.id)
	})
}

// SetForwardHandler registers the callback invoked for client requests
// relayed from other nodes.
func (n *Node) SetForwardHandler(cb func(ClientRequest) ClientResponse) {
	n.mu.Lock()
	n.forwardCb = cb
	n.mu.Unlock()
}

// HandleForward dispatches a relayed client request to the registered
// handler.
func (n *Node) HandleForward(req ClientRequest) ClientResponse {
	n.mu.Lock()
	cb := n.forwardCb
	n.mu.Unlock()

	if cb == nil {
		return ClientResponse{Err: "no client handler registered"}
	}

	return cb(req)
}

// Propose appends a command to the leader's log and replicates it. It
// returns once the entry is committed by a majority and applied locally.
// On timeout the speculative local entry stays in the log but the caller
// must not treat the write as durable.
func (n *Node) Propose(cmd Command) error {
	n.mu.Lock()
	if n.state != Leader {
		n.mu.Unlock()
		return ErrNotLeader
	}

	term := n.term
	entry := n.log.appendLocal(term, cmd)

	w := waiter{term: term, ch: make(chan bool, 1)}
	n.waiters[entry.Index] = w

	// A single-node cluster commits on its own ack.
	n.advanceCommit()
	n.mu.Unlock()

	log.Debugf("%s proposed %s index=%d term=%d", n.id, cmd.Type, entry.Index, term)

	n.replicateAll(term)

	select {
	case ok := <-w.ch:
		if !ok {
			return ErrQuorumUnavailable
		}
		return nil
	case <-n.stopped:
		return ErrStopped
	case <-time.After(n.cfg.ProposeTimeout):
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	// The apply loop may have resolved the waiter just as the timer fired.
	select {
	case ok := <-w.ch:
		if !ok {
			return ErrQuorumUnavailable
		}
		return nil
	default:
	}

	delete(n.waiters, entry.Index)
	return ErrQuorumUnavailable
}

// Leader returns the last known leader's address, or "".
func (n *Node) Leader() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leaderID
}

// Status is a read-only snapshot consumed by monitoring and the store.
type Status struct {
	NodeID      string `json:"node_id"`
	State       State  `json:"state"`
	Term        int    `json:"term"`
	LeaderID    string `json:"leader_id,omitempty"`
	LogLength   int    `json:"log_length"`
	CommitIndex int    `json:"commit_index"`
	LastApplied int    `json:"last_applied"`
}

func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()

	return Status{
		NodeID:      n.id,
		State:       n.state,
		Term:        n.term,
		LeaderID:    n.leaderID,
		LogLength:   n.log.length(),
		CommitIndex: n.commitIndex,
		LastApplied: n.lastApplied,
	}
}

// randomTimeout draws a fresh election timeout. Randomization keeps
// candidates from splitting votes round after round. Caller holds the
// lock.
func (n *Node) randomTimeout() time.Duration {
	min, max := n.cfg.ElectionTimeoutMin, n.cfg.ElectionTimeoutMax
	return min + time.Duration(n.rand.Int63n(int64(max-min)))
}

func (n *Node) majority() int {
	return (len(n.peers)+1)/2 + 1
}

// applyLoop drains committed entries into the state machine in strict
// index order. It is the only goroutine that advances lastApplied.
func (n *Node) applyLoop() {
	for {
		select {
		case <-n.applySignal:
			n.applyCommitted()
		case <-n.stopped:
			return
		}
	}
}

func (n *Node) applyCommitted() {
	for {
		n.mu.Lock()
		if n.lastApplied >= n.commitIndex {
			n.mu.Unlock()
			return
		}

		next := n.lastApplied + 1
		e := n.log.entry(next)
		n.mu.Unlock()

		n.fsm.Apply(e)

		n.mu.Lock()
		n.lastApplied = next
		if w, ok := n.waiters[next]; ok {
			delete(n.waiters, next)
			w.ch <- e.Term == w.term
		}
		n.mu.Unlock()

		log.Debugf("%s applied %s index=%d term=%d", n.id, e.Cmd.Type, e.Index, e.Term)
	}
}

func (n *Node) signalApply() {
	select {
	case n.applySignal <- struct{}{}:
	default:
	}
}
