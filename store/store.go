package store

import (
	"encoding/json"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/polcache/polcache/cache"
	"github.com/polcache/polcache/raft"
)

// Policy is the client-facing view of a cached policy object.
type Policy struct {
	ID         string          `json:"id"`
	Data       json.RawMessage `json:"data"`
	Version    uint64          `json:"version"`
	TTLSeconds int             `json:"ttl_seconds,omitempty"`
}

// Store is the public face of one cluster node. Reads are served from the
// local cache; writes are proposed here when leading, otherwise relayed to
// the leader.
type Store struct {
	node      *raft.Node
	cache     *cache.Cache
	transport raft.Transport
}

func New(node *raft.Node, c *cache.Cache, transport raft.Transport) *Store {
	s := &Store{node: node, cache: c, transport: transport}
	node.SetForwardHandler(s.handleForward)
	return s
}

// GetPolicy serves a policy from the local cache when possible. On a miss
// the leader's answer is authoritative; a follower relays the read to the
// leader and caches the response. Local hits skip the quorum check, so a
// partitioned node can serve a stale value until it rejoins.
func (s *Store) GetPolicy(id string) (Policy, bool, error) {
	if e, ok := s.cache.Get(id); ok {
		return toPolicy(e), true, nil
	}

	st := s.node.Status()
	if st.State == raft.Leader {
		return Policy{}, false, nil
	}

	leader := st.LeaderID
	if leader == "" {
		return Policy{}, false, raft.ErrNoLeader
	}

	res, err := s.transport.Forward(leader, raft.ClientRequest{Op: raft.OpGet, PolicyID: id})
	if err != nil {
		return Policy{}, false, fmt.Errorf("forward get to %s: %w", leader, err)
	}
	if res.Err != "" {
		return Policy{}, false, raft.ForwardError(res.Code, res.Err)
	}
	if !res.Found {
		return Policy{}, false, nil
	}

	s.cache.Fill(cache.Entry{
		PolicyID:   id,
		Data:       res.Data,
		Version:    res.Version,
		TTLSeconds: res.TTLSeconds,
	})

	return Policy{ID: id, Data: res.Data, Version: res.Version, TTLSeconds: res.TTLSeconds}, true, nil
}

// UpdatePolicy replicates a new value for a policy. A ttlSeconds of zero
// means the entry never expires. The call succeeds only after the entry is
// committed by a majority and applied locally on the leader.
func (s *Store) UpdatePolicy(id string, data []byte, ttlSeconds int) error {
	cmd := raft.Command{Type: raft.PolicyUpdate, PolicyID: id, Data: data, TTLSeconds: ttlSeconds}
	req := raft.ClientRequest{Op: raft.OpUpdate, PolicyID: id, Data: data, TTLSeconds: ttlSeconds}
	return s.write(cmd, req)
}

// DeletePolicy removes a policy and its version everywhere.
func (s *Store) DeletePolicy(id string) error {
	cmd := raft.Command{Type: raft.PolicyDelete, PolicyID: id}
	req := raft.ClientRequest{Op: raft.OpDelete, PolicyID: id}
	return s.write(cmd, req)
}

// InvalidatePolicies evicts entries on every node without bumping their
// versions.
func (s *Store) InvalidatePolicies(ids []string) error {
	cmd := raft.Command{Type: raft.CacheInvalidate, PolicyIDs: ids}
	req := raft.ClientRequest{Op: raft.OpInvalidate, PolicyIDs: ids}
	return s.write(cmd, req)
}

// write proposes locally when leading, otherwise relays to the leader.
// With no leader known it fails immediately rather than blocking.
func (s *Store) write(cmd raft.Command, req raft.ClientRequest) error {
	err := s.node.Propose(cmd)
	if err == nil {
		return nil
	}
	if !errors.Is(err, raft.ErrNotLeader) {
		return err
	}

	leader := s.node.Leader()
	if leader == "" {
		return raft.ErrNoLeader
	}

	log.Debugf("relaying %s for %q to %s", req.Op, req.PolicyID, leader)

	res, err := s.transport.Forward(leader, req)
	if err != nil {
		return fmt.Errorf("forward %s to %s: %w", req.Op, leader, err)
	}
	if !res.OK {
		return raft.ForwardError(res.Code, res.Err)
	}
	return nil
}

// handleForward executes a client request relayed from another node.
func (s *Store) handleForward(req raft.ClientRequest) raft.ClientResponse {
	switch req.Op {
	case raft.OpGet:
		if e, ok := s.cache.Get(req.PolicyID); ok {
			return raft.ClientResponse{
				OK:         true,
				Found:      true,
				Data:       e.Data,
				Version:    e.Version,
				TTLSeconds: e.TTLSeconds,
			}
		}
		// A miss is only authoritative on the leader.
		if s.node.Status().State != raft.Leader {
			return raft.ClientResponse{
				Err:  raft.ErrNotLeader.Error(),
				Code: raft.ErrorCode(raft.ErrNotLeader),
			}
		}
		return raft.ClientResponse{OK: true}

	case raft.OpUpdate:
		return s.propose(raft.Command{
			Type:       raft.PolicyUpdate,
			PolicyID:   req.PolicyID,
			Data:       req.Data,
			TTLSeconds: req.TTLSeconds,
		})

	case raft.OpDelete:
		return s.propose(raft.Command{Type: raft.PolicyDelete, PolicyID: req.PolicyID})

	case raft.OpInvalidate:
		return s.propose(raft.Command{Type: raft.CacheInvalidate, PolicyIDs: req.PolicyIDs})
	}

	return raft.ClientResponse{Err: fmt.Sprintf("unknown op %q", req.Op)}
}

func (s *Store) propose(cmd raft.Command) raft.ClientResponse {
	if err := s.node.Propose(cmd); err != nil {
		return raft.ClientResponse{Err: err.Error(), Code: raft.ErrorCode(err)}
	}
	return raft.ClientResponse{OK: true}
}

// Status is the node snapshot consumed by external monitoring.
type Status struct {
	NodeID      string     `json:"node_id"`
	State       raft.State `json:"state"`
	Term        int        `json:"term"`
	LeaderID    string     `json:"leader_id,omitempty"`
	LogLength   int        `json:"log_length"`
	CommitIndex int        `json:"commit_index"`
	LastApplied int        `json:"last_applied"`
	CacheSize   int        `json:"cache_size"`
}

func (s *Store) Status() Status {
	rs := s.node.Status()
	return Status{
		NodeID:      rs.NodeID,
		State:       rs.State,
		Term:        rs.Term,
		LeaderID:    rs.LeaderID,
		LogLength:   rs.LogLength,
		CommitIndex: rs.CommitIndex,
		LastApplied: rs.LastApplied,
		CacheSize:   s.cache.Len(),
	}
}

func toPolicy(e cache.Entry) Policy {
	return Policy{
		ID:         e.PolicyID,
		Data:       json.RawMessage(e.Data),
		Version:    e.Version,
		TTLSeconds: e.TTLSeconds,
	}
}
