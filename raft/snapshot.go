package raft

import (
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/raftforge/raft/param"
)

// InstallSnapshot is the follower-side RPC handler for receiving a leader
// snapshot. It replaces the compacted log prefix and resets the state machine
// to the snapshot content.
func (r *Raft) InstallSnapshot(args *param.InstallSnapshotArgs, reply *param.InstallSnapshotReply) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == Dead {
		return nil
	}

	if !r.handleSnapshotTerm(args, reply) {
		return nil
	}

	// A snapshot the node has already covered carries no new information.
	if args.LastIncludedIndex <= r.lastApplied {
		return nil
	}

	log.Printf("[Snapshot] Node %d received snapshot from leader %d (lastIncludedIndex=%d)", r.id, args.LeaderID, args.LastIncludedIndex)

	snapshot := param.NewSnapshot(args.LastIncludedIndex, args.LastIncludedTerm, args.Data)
	if err := r.persistSnapshot(snapshot); err != nil {
		log.Printf("[ERROR] Node %d failed to persist snapshot: %v", r.id, err)
		return err
	}

	if err := r.stateMachine.ApplySnapshot(snapshot.Data); err != nil {
		log.Printf("[ERROR] Node %d failed to apply snapshot to state machine: %v", r.id, err)
		return err
	}

	r.updateStateAfterSnapshot(snapshot.LastIncludedIndex)

	log.Printf("[Snapshot] Node %d installed snapshot, lastApplied is now %d", r.id, r.lastApplied)
	return nil
}

// TakeSnapshot compacts the log once it has grown past logSizeThreshold
// entries. The metadata and state machine image are captured synchronously;
// the expensive persistence and compaction run in the background so the
// consensus hot path is not blocked on disk IO.
func (r *Raft) TakeSnapshot(logSizeThreshold int) {
	r.mu.Lock()

	if r.isSnapshotting {
		r.mu.Unlock()
		return
	}

	logSize, err := r.store.LogSize()
	if err != nil || logSize < logSizeThreshold {
		r.mu.Unlock()
		return
	}

	snapshotIndex := r.lastApplied
	if snapshotIndex == 0 || (r.snapshot != nil && snapshotIndex <= r.snapshot.LastIncludedIndex) {
		r.mu.Unlock()
		return
	}

	snapshotTerm, err := r.getLogTerm(snapshotIndex)
	if err != nil {
		log.Printf("[ERROR] Node %d failed to get term at snapshot index %d: %v", r.id, snapshotIndex, err)
		r.mu.Unlock()
		return
	}

	// The serialized image must correspond exactly to lastApplied, so it has
	// to be captured while the lock prevents further applies.
	snapshotData, err := r.stateMachine.GetSnapshot()
	if err != nil {
		log.Printf("[ERROR] Node %d failed to get snapshot data: %v", r.id, err)
		r.mu.Unlock()
		return
	}

	log.Printf("[Snapshot] Node %d log size %d exceeds threshold %d, snapshotting at index %d", r.id, logSize, logSizeThreshold, snapshotIndex)
	r.isSnapshotting = true
	r.mu.Unlock()

	go func(index, term uint64, data []byte) {
		defer func() {
			r.mu.Lock()
			r.isSnapshotting = false
			r.mu.Unlock()
		}()

		snapshot := param.NewSnapshot(index, term, data)

		// The snapshot must be durable before any log entry it covers is
		// dropped, or a crash in between loses committed state.
		if err := r.store.SaveSnapshot(snapshot); err != nil {
			log.Printf("[ERROR] Node %d failed to save snapshot: %v", r.id, err)
			return
		}

		r.mu.Lock()
		defer r.mu.Unlock()

		if r.state == Dead {
			return
		}
		if err := r.store.CompactLog(index); err != nil {
			log.Printf("[ERROR] Node %d failed to compact log: %v", r.id, err)
			return
		}
		r.snapshot = snapshot

		log.Printf("[Snapshot] Node %d saved snapshot and compacted log up to index %d", r.id, index)
	}(snapshotIndex, snapshotTerm, snapshotData)
}

// handleSnapshotTerm applies the term rules to an InstallSnapshot RPC.
// Returns whether the snapshot should be accepted. Caller must hold mu.
func (r *Raft) handleSnapshotTerm(args *param.InstallSnapshotArgs, reply *param.InstallSnapshotReply) bool {
	reply.Term = r.currentTerm
	if args.Term < r.currentTerm {
		return false
	}

	if args.Term > r.currentTerm {
		if err := r.becomeFollower(args.Term); err != nil {
			return false
		}
		reply.Term = r.currentTerm
	}
	r.knownLeaderID = args.LeaderID
	r.electionResetEvent = time.Now()
	r.currentElectionTimeout = r.randomizedElectionTimeout()
	return true
}

// persistSnapshot saves a received snapshot and compacts the covered log
// prefix. Caller must hold mu.
func (r *Raft) persistSnapshot(snapshot *param.Snapshot) error {
	if err := r.store.SaveSnapshot(snapshot); err != nil {
		return err
	}
	r.snapshot = snapshot

	if err := r.store.CompactLog(snapshot.LastIncludedIndex); err != nil {
		return err
	}
	return nil
}

// updateStateAfterSnapshot fast-forwards the apply indexes past the snapshot
// and wakes read handlers waiting on them. Caller must hold mu.
func (r *Raft) updateStateAfterSnapshot(snapshotIndex uint64) {
	r.commitIndex = max(r.commitIndex, snapshotIndex)
	r.lastApplied = max(r.lastApplied, snapshotIndex)
	r.lastAppliedCond.Broadcast()
}

// sendSnapshot transfers the latest snapshot to a follower whose next needed
// entry has been compacted away.
func (r *Raft) sendSnapshot(peerID int) {
	snapshot, err := r.readSnapshotForSending(peerID)
	if err != nil {
		return
	}

	r.mu.Lock()
	args := param.NewInstallSnapshotArgs(r.currentTerm, r.id, snapshot.LastIncludedIndex, snapshot.LastIncludedTerm, snapshot.Data)
	savedCurrentTerm := r.currentTerm
	r.mu.Unlock()

	reply := &param.InstallSnapshotReply{}
	if err := r.trans.SendInstallSnapshot(strconv.Itoa(peerID), args, reply); err != nil {
		log.Printf("[Snapshot] Node %d failed to send snapshot to %d: %v", r.id, peerID, err)
		return
	}

	r.processSnapshotReply(peerID, reply, snapshot.LastIncludedIndex, savedCurrentTerm)
}

// readSnapshotForSending loads the latest durable snapshot.
func (r *Raft) readSnapshotForSending(peerID int) (*param.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot, err := r.store.ReadSnapshot()
	if err != nil {
		log.Printf("[ERROR] Node %d failed to read snapshot to send to peer %d: %v", r.id, peerID, err)
		return nil, err
	}
	if snapshot == nil {
		log.Printf("[ERROR] Node %d needs to send a snapshot to peer %d but has none", r.id, peerID)
		return nil, errors.New("no snapshot available to send")
	}
	return snapshot, nil
}

// processSnapshotReply digests a follower's InstallSnapshot response.
func (r *Raft) processSnapshotReply(peerID int, reply *param.InstallSnapshotReply, snapshotLastIndex, savedCurrentTerm uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.currentTerm != savedCurrentTerm || r.state != Leader {
		return
	}

	if reply.Term > r.currentTerm {
		if err := r.becomeFollower(reply.Term); err != nil {
			log.Printf("[ERROR] Node %d failed to persist state after snapshot reply: %v", r.id, err)
		}
		return
	}

	// A term-matching reply is as good an ack as a heartbeat response.
	if reply.Term == r.currentTerm {
		r.lastAck[peerID] = time.Now()
	}

	r.nextIndex[peerID] = snapshotLastIndex + 1
	r.matchIndex[peerID] = snapshotLastIndex
	log.Printf("[Snapshot] Node %d sent snapshot to peer %d, nextIndex=%d", r.id, peerID, r.nextIndex[peerID])
}
