package param

//go:generate mockgen -source=rpc.go -destination=rpc_mock.go -package=param

// RequestVoteArgs carries a (pre-)vote request. See figure 2 in the paper.
// When PreVote is set the request is a non-binding poll: the receiver answers
// as if the candidate had started an election at Term, but persists nothing.
type RequestVoteArgs struct {
	Term         uint64
	CandidateID  int
	LastLogIndex uint64
	LastLogTerm  uint64
	PreVote      bool
}

// NewRequestVoteArgs creates a new RequestVoteArgs.
func NewRequestVoteArgs(term uint64, candidateID int, lastLogIndex, lastLogTerm uint64, preVote bool) *RequestVoteArgs {
	return &RequestVoteArgs{
		Term:         term,
		CandidateID:  candidateID,
		LastLogIndex: lastLogIndex,
		LastLogTerm:  lastLogTerm,
		PreVote:      preVote,
	}
}

// RequestVoteReply is the response to a RequestVote RPC. VoterID identifies
// the responding node so the candidate can tally distinct voters.
type RequestVoteReply struct {
	Term        uint64
	VoteGranted bool
	VoterID     int
}

// NewRequestVoteReply creates an empty RequestVoteReply.
func NewRequestVoteReply() *RequestVoteReply {
	return &RequestVoteReply{}
}

// AppendEntriesArgs is the argument for log replication and heartbeats
// (Entries is empty for a heartbeat).
type AppendEntriesArgs struct {
	Term         uint64
	LeaderID     int
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []LogEntry
	LeaderCommit uint64
}

// NewAppendEntriesArgs creates a new AppendEntriesArgs.
func NewAppendEntriesArgs(term uint64, leaderID int, prevLogIndex, prevLogTerm, leaderCommit uint64, entries []LogEntry) *AppendEntriesArgs {
	return &AppendEntriesArgs{
		Term:         term,
		LeaderID:     leaderID,
		PrevLogIndex: prevLogIndex,
		PrevLogTerm:  prevLogTerm,
		Entries:      entries,
		LeaderCommit: leaderCommit,
	}
}

// AppendEntriesReply is the response to an AppendEntries RPC.
// On success MatchIndex is the highest log index known to match the leader.
// On failure ConflictIndex/ConflictTerm let the leader skip its nextIndex
// backtracking over a whole conflicting term instead of one entry at a time.
type AppendEntriesReply struct {
	Term          uint64
	Success       bool
	MatchIndex    uint64
	ConflictIndex uint64
	ConflictTerm  uint64
}

// NewAppendEntriesReply creates an empty AppendEntriesReply.
func NewAppendEntriesReply() *AppendEntriesReply {
	return &AppendEntriesReply{}
}

// InstallSnapshotArgs carries a snapshot to a follower whose log is behind
// the leader's compacted prefix.
type InstallSnapshotArgs struct {
	Term              uint64
	LeaderID          int
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
	Data              []byte
}

// NewInstallSnapshotArgs creates a new InstallSnapshotArgs.
func NewInstallSnapshotArgs(term uint64, leaderID int, lastIncludedIndex, lastIncludedTerm uint64, data []byte) *InstallSnapshotArgs {
	return &InstallSnapshotArgs{
		Term:              term,
		LeaderID:          leaderID,
		LastIncludedIndex: lastIncludedIndex,
		LastIncludedTerm:  lastIncludedTerm,
		Data:              data,
	}
}

// InstallSnapshotReply is the response to an InstallSnapshot RPC.
type InstallSnapshotReply struct {
	Term uint64
}

// RPCServer is the RPC surface a consensus node exposes to its transport.
// It lives here rather than in the transport package so transport
// implementations and the transport factory do not form an import cycle.
type RPCServer interface {
	RequestVote(args *RequestVoteArgs, reply *RequestVoteReply) error
	AppendEntries(args *AppendEntriesArgs, reply *AppendEntriesReply) error
	InstallSnapshot(args *InstallSnapshotArgs, reply *InstallSnapshotReply) error
	ClientRequest(args *ClientArgs, reply *ClientReply) error
}
