package raft

type RequestVoteArgs struct {
	Term         int
	CandidateID  string
	LastLogIndex int
	LastLogTerm  int
}

type RequestVoteResponse struct {
	Term        int
	VoteGranted bool
}

type AppendEntriesArgs struct {
	Term         int
	LeaderID     string
	PrevLogIndex int
	PrevLogTerm  int
	Entries      []LogEntry
	LeaderCommit int
}

type AppendEntriesResponse struct {
	Term    int
	Success bool
}

// ClientOp names a client request relayed between nodes.
type ClientOp string

const (
	OpGet        ClientOp = "get"
	OpUpdate     ClientOp = "update"
	OpDelete     ClientOp = "delete"
	OpInvalidate ClientOp = "invalidate"
)

// ClientRequest is a client call forwarded from a follower to the leader.
type ClientRequest struct {
	Op         ClientOp
	PolicyID   string
	Data       []byte
	TTLSeconds int
	PolicyIDs  []string
}

type ClientResponse struct {
	OK         bool
	Found      bool
	Data       []byte
	Version    uint64
	TTLSeconds int
	Err        string
	Code       string
}

// Handler is the inbound side of the wire protocol.
type Handler interface {
	HandleRequestVote(args RequestVoteArgs) RequestVoteResponse
	HandleAppendEntries(args AppendEntriesArgs) AppendEntriesResponse
	HandleForward(req ClientRequest) ClientResponse
}

// Transport sends RPCs to named peers over a single request/response
// exchange. Failures surface as errors, never as an ambiguous success.
type Transport interface {
	RequestVote(peer string, args RequestVoteArgs) (RequestVoteResponse, error)
	AppendEntries(peer string, args AppendEntriesArgs) (AppendEntriesResponse, error)
	Forward(peer string, req ClientRequest) (ClientResponse, error)
	Start(h Handler) error
	Stop() error
}
