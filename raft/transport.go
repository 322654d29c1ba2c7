package raft

import (
	"fmt"
	"net"
	"net/rpc"
	"time"

	"github.com/polcache/polcache/shared/logging"
)

const dialTimeout = 500 * time.Millisecond

// RPCTransport carries the peer protocol over TCP using net/rpc. Peer
// names are dialable host:port addresses.
type RPCTransport struct {
	addr     string
	server   *rpc.Server
	listener net.Listener
}

func NewRPCTransport(addr string) *RPCTransport {
	return &RPCTransport{addr: addr}
}

// rpcService adapts a Handler to net/rpc's method shape.
type rpcService struct {
	h Handler
}

func (s *rpcService) RequestVote(args RequestVoteArgs, res *RequestVoteResponse) error {
	*res = s.h.HandleRequestVote(args)
	return nil
}

func (s *rpcService) AppendEntries(args AppendEntriesArgs, res *AppendEntriesResponse) error {
	*res = s.h.HandleAppendEntries(args)
	return nil
}

func (s *rpcService) Forward(req ClientRequest, res *ClientResponse) error {
	*res = s.h.HandleForward(req)
	return nil
}

func (t *RPCTransport) Start(h Handler) error {
	t.server = rpc.NewServer()
	if err := t.server.RegisterName("Raft", &rpcService{h: h}); err != nil {
		return err
	}

	l, err := net.Listen("tcp", t.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", t.addr, err)
	}
	t.listener = l

	logging.Infof("transport listening on %s", t.addr)

	go t.server.Accept(l)

	return nil
}

func (t *RPCTransport) Stop() error {
	if t.listener == nil {
		return nil
	}
	return t.listener.Close()
}

func (t *RPCTransport) RequestVote(peer string, args RequestVoteArgs) (RequestVoteResponse, error) {
	var res RequestVoteResponse
	err := t.call(peer, "Raft.RequestVote", args, &res)
	return res, err
}

func (t *RPCTransport) AppendEntries(peer string, args AppendEntriesArgs) (AppendEntriesResponse, error) {
	var res AppendEntriesResponse
	err := t.call(peer, "Raft.AppendEntries", args, &res)
	return res, err
}

func (t *RPCTransport) Forward(peer string, req ClientRequest) (ClientResponse, error) {
	var res ClientResponse
	err := t.call(peer, "Raft.Forward", req, &res)
	return res, err
}

func (t *RPCTransport) call(peer, method string, args, res interface{}) error {
	conn, err := net.DialTimeout("tcp", peer, dialTimeout)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnreachable, peer, err)
	}

	client := rpc.NewClient(conn)
	defer client.Close()

	if err := client.Call(method, args, res); err != nil {
		logging.Debugf("rpc %s to %s failed: %v", method, peer, err)
		return fmt.Errorf("%w: %s: %v", ErrUnreachable, peer, err)
	}

	return nil
}
