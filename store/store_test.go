package store

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/polcache/polcache/cache"
	"github.com/polcache/polcache/raft"
)

type testNode struct {
	node  *raft.Node
	cache *cache.Cache
	store *Store
}

type testCluster struct {
	network *raft.MemoryNetwork
	ids     []string
	nodes   map[string]*testNode
}

func newTestCluster(t *testing.T, ids ...string) *testCluster {
	t.Helper()

	c := &testCluster{
		network: raft.NewMemoryNetwork(),
		ids:     ids,
		nodes:   make(map[string]*testNode),
	}

	for _, id := range ids {
		var peers []string
		for _, other := range ids {
			if other != id {
				peers = append(peers, other)
			}
		}

		ca := cache.New()
		transport := c.network.Transport(id)
		node := raft.New(raft.Config{
			ID:                 id,
			Peers:              peers,
			ElectionTimeoutMin: 50 * time.Millisecond,
			ElectionTimeoutMax: 100 * time.Millisecond,
			HeartbeatInterval:  20 * time.Millisecond,
			ProposeTimeout:     time.Second,
		}, ca, transport)
		st := New(node, ca, transport)

		if err := node.Start(); err != nil {
			t.Fatalf("starting %s: %v", id, err)
		}

		c.nodes[id] = &testNode{node: node, cache: ca, store: st}
	}

	t.Cleanup(func() {
		for _, n := range c.nodes {
			n.node.Stop()
		}
	})

	return c
}

func (c *testCluster) waitForLeader(t *testing.T) *testNode {
	t.Helper()
	var leader *testNode
	waitFor(t, 3*time.Second, "leader election", func() bool {
		for _, n := range c.nodes {
			if n.node.Status().State == raft.Leader {
				leader = n
				return true
			}
		}
		return false
	})
	return leader
}

func (c *testCluster) follower(t *testing.T, leader *testNode) *testNode {
	t.Helper()
	leaderID := leader.node.Status().NodeID
	for id, n := range c.nodes {
		if id != leaderID {
			return n
		}
	}
	t.Fatal("no follower found")
	return nil
}

func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestReadAfterWrite(t *testing.T) {
	c := newTestCluster(t, "a", "b", "c")
	leader := c.waitForLeader(t)

	if err := leader.store.UpdatePolicy("p1", []byte(`{"x":1}`), 0); err != nil {
		t.Fatalf("update: %v", err)
	}

	waitFor(t, 3*time.Second, "all caches to apply", func() bool {
		for _, n := range c.nodes {
			if n.cache.Len() != 1 {
				return false
			}
		}
		return true
	})

	for id, n := range c.nodes {
		p, found, err := n.store.GetPolicy("p1")
		if err != nil || !found {
			t.Fatalf("get on %s: found=%v err=%v", id, found, err)
		}
		if !bytes.Equal(p.Data, []byte(`{"x":1}`)) {
			t.Errorf("data on %s = %s", id, p.Data)
		}
		if p.Version != 1 {
			t.Errorf("version on %s = %d, want 1", id, p.Version)
		}
	}
}

func TestWriteForwardedFromFollower(t *testing.T) {
	c := newTestCluster(t, "a", "b", "c")
	leader := c.waitForLeader(t)
	follower := c.follower(t, leader)

	// The follower learns the leader's identity from the first heartbeat,
	// which may still be in flight.
	waitFor(t, 3*time.Second, "forwarded update to succeed", func() bool {
		return follower.store.UpdatePolicy("p1", []byte(`{"x":1}`), 0) == nil
	})

	waitFor(t, 3*time.Second, "leader to apply forwarded write", func() bool {
		_, ok := leader.cache.Get("p1")
		return ok
	})
}

func TestVersionsAdvancePerUpdate(t *testing.T) {
	c := newTestCluster(t, "a", "b", "c")
	leader := c.waitForLeader(t)

	if err := leader.store.UpdatePolicy("p1", []byte("a"), 0); err != nil {
		t.Fatalf("update 1: %v", err)
	}
	if err := leader.store.UpdatePolicy("p1", []byte("b"), 0); err != nil {
		t.Fatalf("update 2: %v", err)
	}

	p, _, _ := leader.store.GetPolicy("p1")
	if p.Version != 2 {
		t.Errorf("version = %d, want 2", p.Version)
	}

	if err := leader.store.DeletePolicy("p1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, found, _ := leader.store.GetPolicy("p1"); found {
		t.Fatal("expected miss after delete")
	}

	// Deletion clears the version sequence; the next update restarts it.
	if err := leader.store.UpdatePolicy("p1", []byte("c"), 0); err != nil {
		t.Fatalf("update 3: %v", err)
	}
	p, _, _ = leader.store.GetPolicy("p1")
	if p.Version != 1 {
		t.Errorf("version after delete and update = %d, want 1", p.Version)
	}
}

func TestInvalidateKeepsVersions(t *testing.T) {
	c := newTestCluster(t, "a", "b", "c")
	leader := c.waitForLeader(t)

	if err := leader.store.UpdatePolicy("p1", []byte("a"), 0); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := leader.store.InvalidatePolicies([]string{"p1"}); err != nil {
		t.Fatalf("invalidate: %v", err)
	}

	// The leader miss is authoritative after the eviction.
	if _, found, err := leader.store.GetPolicy("p1"); found || err != nil {
		t.Fatalf("got found=%v err=%v after invalidate", found, err)
	}

	// A new update continues the existing version sequence.
	if err := leader.store.UpdatePolicy("p1", []byte("b"), 0); err != nil {
		t.Fatalf("update after invalidate: %v", err)
	}
	p, _, _ := leader.store.GetPolicy("p1")
	if p.Version != 2 {
		t.Errorf("version = %d, want 2", p.Version)
	}
}

func TestNoLeaderFailsFast(t *testing.T) {
	// Two phantom peers never answer, so this node can never win a vote.
	network := raft.NewMemoryNetwork()
	ca := cache.New()
	transport := network.Transport("a")
	node := raft.New(raft.Config{
		ID:                 "a",
		Peers:              []string{"b", "c"},
		ElectionTimeoutMin: 50 * time.Millisecond,
		ElectionTimeoutMax: 100 * time.Millisecond,
		HeartbeatInterval:  20 * time.Millisecond,
		ProposeTimeout:     time.Second,
	}, ca, transport)
	st := New(node, ca, transport)

	if err := node.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(node.Stop)

	if err := st.UpdatePolicy("p1", []byte("a"), 0); !errors.Is(err, raft.ErrNoLeader) {
		t.Errorf("update error = %v, want %v", err, raft.ErrNoLeader)
	}
	if _, _, err := st.GetPolicy("p1"); !errors.Is(err, raft.ErrNoLeader) {
		t.Errorf("get error = %v, want %v", err, raft.ErrNoLeader)
	}
}

func TestForwardedErrorsKeepIdentity(t *testing.T) {
	// An unstarted node is a plain follower, so every relayed call must
	// come back refusing leadership with the matching wire code.
	network := raft.NewMemoryNetwork()
	ca := cache.New()
	transport := network.Transport("a")
	node := raft.New(raft.Config{ID: "a", Peers: []string{"b", "c"}}, ca, transport)
	st := New(node, ca, transport)

	res := st.handleForward(raft.ClientRequest{Op: raft.OpUpdate, PolicyID: "p1", Data: []byte("a")})
	if res.OK {
		t.Fatal("expected relayed update to fail on a follower")
	}
	if err := raft.ForwardError(res.Code, res.Err); !errors.Is(err, raft.ErrNotLeader) {
		t.Errorf("reconstructed update error = %v, want %v", err, raft.ErrNotLeader)
	}

	res = st.handleForward(raft.ClientRequest{Op: raft.OpGet, PolicyID: "p1"})
	if err := raft.ForwardError(res.Code, res.Err); !errors.Is(err, raft.ErrNotLeader) {
		t.Errorf("reconstructed get error = %v, want %v", err, raft.ErrNotLeader)
	}

	// An uncoded message still comes through as an opaque error.
	if err := raft.ForwardError("", "bad day"); err == nil || err.Error() != "bad day" {
		t.Errorf("opaque error = %v, want message passthrough", err)
	}
}

func TestForwardedReadFillsLocalCache(t *testing.T) {
	c := newTestCluster(t, "a", "b", "c")
	leader := c.waitForLeader(t)
	follower := c.follower(t, leader)

	if err := leader.store.UpdatePolicy("p1", []byte(`{"x":1}`), 0); err != nil {
		t.Fatalf("update: %v", err)
	}

	// A second facade on the follower's raft node with its own empty cache:
	// its first read must be relayed to the leader and fill locally.
	empty := cache.New()
	side := New(follower.node, empty, c.network.Transport(follower.node.Status().NodeID))

	var p Policy
	waitFor(t, 3*time.Second, "forwarded read to succeed", func() bool {
		got, found, err := side.GetPolicy("p1")
		if err != nil || !found {
			return false
		}
		p = got
		return true
	})

	if p.Version != 1 || !bytes.Equal(p.Data, []byte(`{"x":1}`)) {
		t.Errorf("forwarded policy = %+v", p)
	}
	if empty.Len() != 1 {
		t.Errorf("local cache len = %d, want 1 after fill", empty.Len())
	}
}

func TestLeaderFailoverKeepsVersions(t *testing.T) {
	c := newTestCluster(t, "a", "b", "c")
	leader := c.waitForLeader(t)

	if err := leader.store.UpdatePolicy("p1", []byte("a"), 0); err != nil {
		t.Fatalf("update: %v", err)
	}

	waitFor(t, 3*time.Second, "all caches to apply", func() bool {
		for _, n := range c.nodes {
			if n.cache.Len() != 1 {
				return false
			}
		}
		return true
	})

	oldID := leader.node.Status().NodeID
	leader.node.Stop()

	var next *testNode
	waitFor(t, 3*time.Second, "failover", func() bool {
		for id, n := range c.nodes {
			if id != oldID && n.node.Status().State == raft.Leader {
				next = n
				return true
			}
		}
		return false
	})

	p, found, err := next.store.GetPolicy("p1")
	if err != nil || !found {
		t.Fatalf("get after failover: found=%v err=%v", found, err)
	}
	if p.Version != 1 {
		t.Errorf("version after failover = %d, want 1", p.Version)
	}

	// The version sequence continues on the new leader.
	if err := next.store.UpdatePolicy("p1", []byte("b"), 0); err != nil {
		t.Fatalf("update on new leader: %v", err)
	}
	p, _, _ = next.store.GetPolicy("p1")
	if p.Version != 2 {
		t.Errorf("version after new leader update = %d, want 2", p.Version)
	}
}
