package raft

import (
	"encoding/json"
	"log"
	"strconv"
	"time"

	"github.com/raftforge/raft/param"
)

// applyWaitTimeout bounds how long a client request waits for its entry to
// commit and apply before giving up.
const applyWaitTimeout = 2 * time.Second

// ClientRequest is the RPC entry point for client commands. Reads are routed
// through the read-index path; writes go through the log.
func (r *Raft) ClientRequest(args *param.ClientArgs, reply *param.ClientReply) error {
	if proceed := r.preHandleClientRequest(args, reply); !proceed {
		return nil
	}

	if cmd, isRead := asReadCommand(args.Command); isRead {
		if r.localReads {
			return r.handleLocalRead(cmd, reply)
		}
		return r.handleLinearizableRead(cmd, reply)
	}

	result, ok, leaderID := r.submitAndWaitForCommit(args)

	r.finalizeClientReply(reply, result, ok, leaderID)
	return nil
}

// preHandleClientRequest rejects requests this node must not serve: anything
// while not leader, and duplicate retries of an already-applied command.
// Returns whether processing should continue.
func (r *Raft) preHandleClientRequest(args *param.ClientArgs, reply *param.ClientReply) bool {
	if !r.isLeader() {
		reply.NotLeader = true
		reply.LeaderHint = r.knownLeaderID
		return false
	}
	if r.isDuplicateRequest(args.ClientID, args.SequenceNum) {
		// The command already took effect; acknowledging again is safe,
		// re-applying it is not.
		reply.Success = true
		return false
	}
	return true
}

// isDuplicateRequest reports whether this (client, sequence) pair has already
// been applied.
func (r *Raft) isDuplicateRequest(clientID, sequenceNum int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	lastSeqNum, exists := r.clientSessions[clientID]
	if exists && sequenceNum <= lastSeqNum {
		log.Printf("[Client] Node %d dropping duplicate request from client %d (seq=%d)", r.id, clientID, sequenceNum)
		return true
	}
	return false
}

// submitAndWaitForCommit appends the command to the log and blocks until the
// state machine has applied it, or the wait times out. The session itself is
// recorded by the applier from the entry, never from the reply: a command
// that commits after this wait gave up is still deduplicated on retry.
func (r *Raft) submitAndWaitForCommit(args *param.ClientArgs) (any, bool, int) {
	index, _, notifyChan, isLeader := r.submit(args.Command, args.ClientID, args.SequenceNum, true)
	if !isLeader {
		return nil, false, r.knownLeaderID
	}

	result, ok := r.waitForAppliedLog(index, notifyChan, applyWaitTimeout)
	return result, ok, r.id
}

// finalizeClientReply turns the apply result into the client response. State
// machine errors are flattened to their message so every transport codec can
// carry them.
func (r *Raft) finalizeClientReply(reply *param.ClientReply, result any, ok bool, leaderID int) {
	if !ok {
		reply.Success = false
		if !r.isLeader() {
			reply.NotLeader = true
			reply.LeaderHint = leaderID
		}
		return
	}

	if err, isErr := result.(error); isErr {
		reply.Success = false
		reply.Result = err.Error()
		return
	}
	reply.Success = true
	reply.Result = result
}

// asReadCommand reports whether a client command is a read-only query and, if
// so, returns its decoded form. Commands arrive either as structured
// KVCommand values or as their JSON encoding.
func asReadCommand(command any) (param.KVCommand, bool) {
	var cmd param.KVCommand
	switch c := command.(type) {
	case param.KVCommand:
		cmd = c
	case []byte:
		if json.Unmarshal(c, &cmd) != nil {
			return param.KVCommand{}, false
		}
	case string:
		if json.Unmarshal([]byte(c), &cmd) != nil {
			return param.KVCommand{}, false
		}
	default:
		return param.KVCommand{}, false
	}
	if cmd.Op != "get" {
		return param.KVCommand{}, false
	}
	return cmd, true
}

// handleLocalRead answers a read from the local state machine without any
// quorum confirmation.
func (r *Raft) handleLocalRead(cmd param.KVCommand, reply *param.ClientReply) error {
	value, err := r.stateMachine.Get(cmd.Key)
	if err != nil {
		reply.Success = false
		reply.Result = err.Error()
		return nil
	}
	reply.Success = true
	reply.Result = value
	return nil
}

// handleLinearizableRead implements the read-index protocol: capture the
// current commitIndex, prove we are still the leader, wait until the state
// machine has caught up to that index, then answer from it. The read never
// goes through the log.
func (r *Raft) handleLinearizableRead(cmd param.KVCommand, reply *param.ClientReply) error {
	r.mu.Lock()
	if r.state != Leader {
		reply.NotLeader = true
		reply.LeaderHint = r.knownLeaderID
		r.mu.Unlock()
		return nil
	}
	readIndex := r.commitIndex
	readTerm := r.currentTerm
	r.mu.Unlock()

	if !r.confirmLeadership(readTerm, readIndex) {
		reply.Success = false
		reply.NotLeader = true
		r.mu.Lock()
		reply.LeaderHint = r.knownLeaderID
		r.mu.Unlock()
		return nil
	}

	if !r.waitForReadIndex(readIndex) {
		reply.Success = false
		return nil
	}

	value, err := r.stateMachine.Get(cmd.Key)
	if err != nil {
		reply.Success = false
		reply.Result = err.Error()
		return nil
	}
	reply.Success = true
	reply.Result = value
	return nil
}

// confirmLeadership proves this node was still the leader for term when the
// read index was captured. The cheap path is the heartbeat lease: a majority
// of acks within the lease window means no competing leader can exist yet.
// Without a valid lease, a heartbeat round is broadcast and the read proceeds
// only if a majority answers at the current term.
func (r *Raft) confirmLeadership(term, readIndex uint64) bool {
	r.mu.Lock()
	if r.state != Leader || r.currentTerm != term {
		r.mu.Unlock()
		return false
	}

	// A leader may only serve reads after it has committed an entry in its
	// own term; before that its commitIndex could still trail a predecessor.
	committedTerm, err := r.getLogTerm(readIndex)
	if err != nil || committedTerm != term {
		r.mu.Unlock()
		return false
	}

	peers := append([]int(nil), r.peerIDs...)
	clusterMajority := (len(peers)+1)/2 + 1

	freshAcks := 1
	now := time.Now()
	for _, peerID := range peers {
		if ack, ok := r.lastAck[peerID]; ok && now.Sub(ack) < leaseWindow {
			freshAcks++
		}
	}
	if freshAcks >= clusterMajority {
		r.mu.Unlock()
		return true
	}

	// Lease expired or not yet established; confirm over the network.
	args := param.NewAppendEntriesArgs(term, r.id, readIndex, committedTerm, r.commitIndex, nil)
	r.mu.Unlock()

	ackChan := make(chan bool, len(peers))
	for _, peerID := range peers {
		go func(peerID int) {
			heartbeatReply := param.NewAppendEntriesReply()
			if err := r.trans.SendAppendEntries(strconv.Itoa(peerID), args, heartbeatReply); err != nil {
				ackChan <- false
				return
			}

			r.mu.Lock()
			if heartbeatReply.Term > r.currentTerm {
				if err := r.becomeFollower(heartbeatReply.Term); err != nil {
					log.Printf("[ERROR] Node %d failed to persist state when stepping down: %v", r.id, err)
				}
				r.mu.Unlock()
				ackChan <- false
				return
			}
			acked := heartbeatReply.Term == term
			if acked && r.state == Leader && r.currentTerm == term {
				r.lastAck[peerID] = time.Now()
			}
			r.mu.Unlock()
			ackChan <- acked
		}(peerID)
	}

	acks := 1
	for range peers {
		if <-ackChan {
			acks++
		}
		if acks >= clusterMajority {
			return true
		}
	}
	log.Printf("[Client] Node %d could not confirm leadership for read at term %d", r.id, term)
	return false
}

// waitForReadIndex blocks until the state machine has applied everything up
// to readIndex. Returns false on timeout or when the node stops leading.
func (r *Raft) waitForReadIndex(readIndex uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	timedOut := false
	timer := time.AfterFunc(applyWaitTimeout, func() {
		r.mu.Lock()
		timedOut = true
		r.lastAppliedCond.Broadcast()
		r.mu.Unlock()
	})
	defer timer.Stop()

	for r.lastApplied < readIndex && r.state == Leader && !timedOut {
		r.lastAppliedCond.Wait()
	}
	return r.lastApplied >= readIndex
}
