package raft

import "errors"

var (
	// ErrNotLeader is returned by Propose on a node that is not leading.
	ErrNotLeader = errors.New("not the leader")

	// ErrNoLeader means no leader is currently known to forward to.
	ErrNoLeader = errors.New("no leader known")

	// ErrQuorumUnavailable means a proposal was not acknowledged by a
	// majority within the propose timeout. The speculative local entry is
	// kept (followers may still catch up) but must not be treated as
	// committed.
	ErrQuorumUnavailable = errors.New("quorum unavailable")

	// ErrStaleTerm means an RPC carried a term lower than the local term.
	ErrStaleTerm = errors.New("stale term")

	// ErrLogInconsistency means an AppendEntries prevLog check failed and
	// the leader needs to back up.
	ErrLogInconsistency = errors.New("log inconsistency")

	// ErrCorruptEntry means a replicated entry failed its checksum.
	ErrCorruptEntry = errors.New("log entry checksum mismatch")

	// ErrUnreachable wraps transport failures talking to a peer.
	ErrUnreachable = errors.New("peer unreachable")

	// ErrStopped is returned for operations on a stopped node.
	ErrStopped = errors.New("node stopped")
)

// Codes carried in ClientResponse so a forwarded failure keeps its
// sentinel identity across the string-only wire format.
const (
	codeNotLeader = "not_leader"
	codeNoLeader  = "no_leader"
	codeNoQuorum  = "no_quorum"
	codeStopped   = "stopped"
)

// ErrorCode names the sentinel behind a forwarded failure, or "" for
// errors with no wire code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotLeader):
		return codeNotLeader
	case errors.Is(err, ErrNoLeader):
		return codeNoLeader
	case errors.Is(err, ErrQuorumUnavailable):
		return codeNoQuorum
	case errors.Is(err, ErrStopped):
		return codeStopped
	}
	return ""
}

// ForwardError rebuilds a forwarded failure, restoring the sentinel
// when the code names one.
func ForwardError(code, msg string) error {
	switch code {
	case codeNotLeader:
		return ErrNotLeader
	case codeNoLeader:
		return ErrNoLeader
	case codeNoQuorum:
		return ErrQuorumUnavailable
	case codeStopped:
		return ErrStopped
	}
	return errors.New(msg)
}
