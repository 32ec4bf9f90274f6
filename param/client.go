package param

import (
	"encoding/gob"
)

func init() {
	gob.Register(KVCommand{})
	gob.Register([]byte(nil))
}

// ClientArgs is a client request envelope. SequenceNum is monotonically
// increasing per client; the pair (ClientID, SequenceNum) lets the leader
// drop duplicate retries of an already-applied command.
type ClientArgs struct {
	ClientID    int64
	SequenceNum int64
	Command     any
}

// NewClientArgs creates a new ClientArgs.
func NewClientArgs(clientID, sequenceNum int64, command any) *ClientArgs {
	return &ClientArgs{
		ClientID:    clientID,
		SequenceNum: sequenceNum,
		Command:     command,
	}
}

// ClientReply is the node's response to a client request. When NotLeader is
// set, LeaderHint carries the last known leader ID for redirection.
type ClientReply struct {
	Success    bool
	Result     any
	NotLeader  bool
	LeaderHint int
}

// KVCommand is the command format of the reference key-value state machine.
// It is JSON-encoded inside log entries.
type KVCommand struct {
	Op    string `json:"op"`
	Key   string `json:"key"`
	Value string `json:"value"`
}
