package raft

import (
	"fmt"
	"sync"
)

// MemoryNetwork connects nodes inside a single process. It backs the
// multi-node tests and can isolate a node to simulate a partition.
type MemoryNetwork struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	isolated map[string]bool
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		handlers: make(map[string]Handler),
		isolated: make(map[string]bool),
	}
}

// Transport returns the endpoint for one node on this network.
func (m *MemoryNetwork) Transport(id string) *MemoryTransport {
	return &MemoryTransport{network: m, id: id}
}

// Partition cuts a node off from every other node, in both directions.
func (m *MemoryNetwork) Partition(id string) {
	m.mu.Lock()
	m.isolated[id] = true
	m.mu.Unlock()
}

// Heal reconnects a partitioned node.
func (m *MemoryNetwork) Heal(id string) {
	m.mu.Lock()
	delete(m.isolated, id)
	m.mu.Unlock()
}

func (m *MemoryNetwork) handler(from, to string) (Handler, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.isolated[from] || m.isolated[to] {
		return nil, fmt.Errorf("%w: %s partitioned", ErrUnreachable, to)
	}

	h, ok := m.handlers[to]
	if !ok {
		return nil, fmt.Errorf("%w: %s not registered", ErrUnreachable, to)
	}
	return h, nil
}

// MemoryTransport is one node's endpoint on a MemoryNetwork.
type MemoryTransport struct {
	network *MemoryNetwork
	id      string
}

func (t *MemoryTransport) Start(h Handler) error {
	t.network.mu.Lock()
	t.network.handlers[t.id] = h
	t.network.mu.Unlock()
	return nil
}

func (t *MemoryTransport) Stop() error {
	t.network.mu.Lock()
	delete(t.network.handlers, t.id)
	t.network.mu.Unlock()
	return nil
}

func (t *MemoryTransport) RequestVote(peer string, args RequestVoteArgs) (RequestVoteResponse, error) {
	h, err := t.network.handler(t.id, peer)
	if err != nil {
		return RequestVoteResponse{}, err
	}
	return h.HandleRequestVote(args), nil
}

func (t *MemoryTransport) AppendEntries(peer string, args AppendEntriesArgs) (AppendEntriesResponse, error) {
	h, err := t.network.handler(t.id, peer)
	if err != nil {
		return AppendEntriesResponse{}, err
	}
	return h.HandleAppendEntries(args), nil
}

func (t *MemoryTransport) Forward(peer string, req ClientRequest) (ClientResponse, error) {
	h, err := t.network.handler(t.id, peer)
	if err != nil {
		return ClientResponse{}, err
	}
	return h.HandleForward(req), nil
}
