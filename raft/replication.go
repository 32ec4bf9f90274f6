package raft

import (
	"log"
	"strconv"
	"time"

	"github.com/raftforge/raft/param"
)

// replicationAction is what the leader decides to send a given follower.
type replicationAction int

const (
	actionDoNothing replicationAction = iota
	actionSendLogs
	actionSendSnapshot
)

// sendAppendEntries synchronizes one follower: a heartbeat when there is
// nothing new, log entries when the follower is behind, or a snapshot when
// the entries it needs are already compacted away.
func (r *Raft) sendAppendEntries(peerID int) {
	switch r.determineReplicationAction(peerID) {
	case actionSendLogs:
		r.replicateLogsToPeer(peerID)
	case actionSendSnapshot:
		r.sendSnapshot(peerID)
	case actionDoNothing:
		return
	}
}

// determineReplicationAction decides between log replication and snapshot
// transfer for one follower.
func (r *Raft) determineReplicationAction(peerID int) replicationAction {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != Leader {
		return actionDoNothing
	}

	prevLogIndex := r.nextIndex[peerID] - 1
	firstLogIndex, err := r.getFirstLogIndex()
	if err != nil {
		log.Printf("[ERROR] Node %d failed to get first log index: %v", r.id, err)
	}
	if prevLogIndex < firstLogIndex-1 {
		// The follower needs entries that no longer exist locally.
		log.Printf("[Snapshot] Node %d log for peer %d (prevLogIndex=%d) is compacted, sending snapshot", r.id, peerID, prevLogIndex)
		return actionSendSnapshot
	}

	return actionSendLogs
}

// replicateLogsToPeer builds and fires one AppendEntries RPC. The RPC itself
// runs in its own goroutine so heartbeat ticks are never blocked on the
// network, which pipelines replication naturally.
func (r *Raft) replicateLogsToPeer(peerID int) {
	r.mu.Lock()
	args, err := r.prepareAppendEntriesArgs(peerID)
	if err != nil {
		log.Printf("[ERROR] Node %d failed to prepare AppendEntries args for peer %d: %v", r.id, peerID, err)
		r.mu.Unlock()
		return
	}
	savedCurrentTerm := r.currentTerm
	r.mu.Unlock()

	go func() {
		reply := param.NewAppendEntriesReply()
		if err := r.trans.SendAppendEntries(strconv.Itoa(peerID), args, reply); err != nil {
			log.Printf("[Log Replication] Node %d failed to send AppendEntries to %d: %s", r.id, peerID, err.Error())
			return
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		r.processAppendEntriesReply(peerID, args, reply, savedCurrentTerm)
	}()
}

// prepareAppendEntriesArgs builds the RPC arguments for one follower.
// Caller must hold mu.
func (r *Raft) prepareAppendEntriesArgs(peerID int) (*param.AppendEntriesArgs, error) {
	prevLogIndex := r.nextIndex[peerID] - 1
	prevLogTerm, err := r.getLogTerm(prevLogIndex)
	if err != nil {
		return nil, err
	}

	var entries []param.LogEntry
	lastLogIndex, err := r.store.LastLogIndex()
	if err != nil {
		return nil, err
	}
	for i := r.nextIndex[peerID]; i <= lastLogIndex; i++ {
		entry, err := r.store.GetEntry(i)
		if err != nil || entry == nil {
			log.Printf("[ERROR] Node %d failed to get entry %d from store: %v", r.id, i, err)
			return nil, err
		}
		entries = append(entries, *entry)
	}

	return param.NewAppendEntriesArgs(r.currentTerm, r.id, prevLogIndex, prevLogTerm, r.commitIndex, entries), nil
}

// processAppendEntriesReply digests one follower response. Caller must hold mu.
func (r *Raft) processAppendEntriesReply(peerID int, args *param.AppendEntriesArgs, reply *param.AppendEntriesReply, savedCurrentTerm uint64) {
	if r.currentTerm != savedCurrentTerm || r.state != Leader {
		return
	}

	if reply.Term > r.currentTerm {
		log.Printf("[Log Replication] Node %d found higher term %d from peer %d, becomes follower", r.id, reply.Term, peerID)
		if err := r.becomeFollower(reply.Term); err != nil {
			log.Printf("[ERROR] Node %d failed to persist state when stepping down: %v", r.id, err)
		}
		return
	}

	// A term-matching reply, successful or not, proves the follower still
	// recognizes this leader. That is exactly what the read lease needs; a
	// stale-term reply proves nothing and must not refresh it.
	if reply.Term != r.currentTerm {
		return
	}
	r.lastAck[peerID] = time.Now()

	if reply.Success {
		r.handleSuccessfulAppendEntries(peerID, args, reply)
	} else {
		r.handleFailedAppendEntries(peerID, reply)
	}
}

// handleSuccessfulAppendEntries advances the follower's replication state.
// Caller must hold mu.
func (r *Raft) handleSuccessfulAppendEntries(peerID int, args *param.AppendEntriesArgs, reply *param.AppendEntriesReply) {
	newMatchIndex := args.PrevLogIndex + uint64(len(args.Entries))
	if reply.MatchIndex > newMatchIndex {
		newMatchIndex = reply.MatchIndex
	}
	if newMatchIndex > r.matchIndex[peerID] {
		r.matchIndex[peerID] = newMatchIndex
	}
	r.nextIndex[peerID] = newMatchIndex + 1

	r.updateCommitIndex()
}

// handleFailedAppendEntries backtracks nextIndex using the follower's
// conflict hints so a whole diverging term is skipped per round trip.
// Caller must hold mu.
func (r *Raft) handleFailedAppendEntries(peerID int, reply *param.AppendEntriesReply) {
	log.Printf("[Log Replication] Peer %d rejected AppendEntries from node %d (ConflictIndex=%d, ConflictTerm=%d)", peerID, r.id, reply.ConflictIndex, reply.ConflictTerm)

	if reply.ConflictIndex > 0 {
		r.nextIndex[peerID] = reply.ConflictIndex
	} else if r.nextIndex[peerID] > 1 {
		r.nextIndex[peerID]--
	}

	firstIndex, err := r.getFirstLogIndex()
	if err == nil && r.nextIndex[peerID] < firstIndex {
		r.nextIndex[peerID] = firstIndex
	}

	go r.sendAppendEntries(peerID)
}

// updateCommitIndex advances commitIndex to the highest majority-replicated
// index. Only entries from the current term may be committed by counting
// replicas; older entries commit implicitly with them. Caller must hold mu.
func (r *Raft) updateCommitIndex() {
	newCommitIndex := r.findMajorityCommitIndex()
	if newCommitIndex <= r.commitIndex {
		return
	}

	entry, err := r.store.GetEntry(newCommitIndex)
	if err != nil || entry == nil {
		log.Printf("[ERROR] Node %d failed to get entry for new commit index %d: %v", r.id, newCommitIndex, err)
		return
	}

	if entry.Term == r.currentTerm {
		log.Printf("[Log Replication] Node %d advances commitIndex to %d (term=%d)", r.id, newCommitIndex, r.currentTerm)
		r.commitIndex = newCommitIndex
		r.signalApply()
	}
}

// findMajorityCommitIndex returns the highest index replicated on a majority.
// Caller must hold mu.
func (r *Raft) findMajorityCommitIndex() uint64 {
	lastLogIndex, err := r.store.LastLogIndex()
	if err != nil {
		return r.commitIndex
	}

	for n := lastLogIndex; n > r.commitIndex; n-- {
		if r.isReplicatedByMajority(n) {
			return n
		}
	}
	return r.commitIndex
}

// isReplicatedByMajority reports whether the entry at index is on a majority
// of the cluster, counting the leader itself. Caller must hold mu.
func (r *Raft) isReplicatedByMajority(index uint64) bool {
	matchCount := 1
	for _, peerID := range r.peerIDs {
		if r.matchIndex[peerID] >= index {
			matchCount++
		}
	}
	return matchCount >= (len(r.peerIDs)+1)/2+1
}

// AppendEntries is the follower-side RPC handler for heartbeats and log
// replication.
func (r *Raft) AppendEntries(args *param.AppendEntriesArgs, reply *param.AppendEntriesReply) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == Dead {
		return nil
	}

	if !r.handleTermAndHeartbeat(args, reply) {
		return nil
	}

	if ok := r.checkLogConsistency(args, reply); !ok {
		return nil
	}

	if err := r.appendAndStoreEntries(args); err != nil {
		reply.Success = false
		log.Printf("[ERROR] Node %d failed to append entries: %v", r.id, err)
		return err
	}

	r.updateFollowerCommitIndex(args)

	reply.Success = true
	reply.MatchIndex = args.PrevLogIndex + uint64(len(args.Entries))
	return nil
}

// handleTermAndHeartbeat applies the term rules and treats any message from a
// legitimate leader as a heartbeat. Caller must hold mu.
func (r *Raft) handleTermAndHeartbeat(args *param.AppendEntriesArgs, reply *param.AppendEntriesReply) bool {
	reply.Term = r.currentTerm
	if args.Term < r.currentTerm {
		reply.Success = false
		return false
	}

	if args.Term > r.currentTerm {
		if err := r.becomeFollower(args.Term); err != nil {
			reply.Success = false
			return false
		}
		reply.Term = r.currentTerm
	} else if r.state == Candidate {
		// Another node won the election for this term.
		r.state = Follower
	}

	r.knownLeaderID = args.LeaderID
	r.electionResetEvent = time.Now()
	r.currentElectionTimeout = r.randomizedElectionTimeout()
	return true
}

// checkLogConsistency verifies the log matching property at PrevLogIndex and
// fills the conflict hints when it fails. Caller must hold mu.
func (r *Raft) checkLogConsistency(args *param.AppendEntriesArgs, reply *param.AppendEntriesReply) bool {
	if args.PrevLogIndex == 0 {
		return true
	}

	// Anything at or below the snapshot boundary is committed state and
	// matches by definition.
	if r.snapshot != nil && args.PrevLogIndex <= r.snapshot.LastIncludedIndex {
		return true
	}

	prevEntry, err := r.store.GetEntry(args.PrevLogIndex)
	if err != nil || prevEntry == nil {
		// The local log is too short to contain PrevLogIndex. Tell the
		// leader where it ends so it can retry from there directly.
		lastLogIndex, _ := r.store.LastLogIndex()
		reply.ConflictIndex = lastLogIndex + 1
		reply.ConflictTerm = 0
		reply.Success = false
		return false
	}

	if prevEntry.Term != args.PrevLogTerm {
		// Report the first index of the conflicting term so the leader can
		// step over the whole term at once.
		reply.ConflictTerm = prevEntry.Term
		conflictIndex := args.PrevLogIndex
		if firstIndex, ferr := r.getFirstLogIndex(); ferr == nil {
			for conflictIndex > firstIndex {
				entry, gerr := r.store.GetEntry(conflictIndex - 1)
				if gerr != nil || entry == nil || entry.Term != reply.ConflictTerm {
					break
				}
				conflictIndex--
			}
		}
		reply.ConflictIndex = conflictIndex
		reply.Success = false
		return false
	}

	return true
}

// appendAndStoreEntries merges the leader's entries into the local log. The
// already-matching prefix is skipped and the log is truncated only from the
// first genuinely conflicting entry, so a stale or duplicate RPC can never
// erase entries a newer RPC already appended. Caller must hold mu.
func (r *Raft) appendAndStoreEntries(args *param.AppendEntriesArgs) error {
	entries := args.Entries

	// Drop anything already covered by a local snapshot.
	if r.snapshot != nil {
		for len(entries) > 0 && entries[0].Index <= r.snapshot.LastIncludedIndex {
			entries = entries[1:]
		}
	}

	insertFrom := 0
	for ; insertFrom < len(entries); insertFrom++ {
		local, err := r.store.GetEntry(entries[insertFrom].Index)
		if err != nil || local == nil {
			// The local log ends here; everything from insertFrom is new.
			break
		}
		if local.Term != entries[insertFrom].Term {
			if err := r.store.TruncateLog(entries[insertFrom].Index); err != nil {
				return err
			}
			break
		}
	}

	if insertFrom == len(entries) {
		return nil
	}
	if err := r.store.AppendEntries(entries[insertFrom:]); err != nil {
		return err
	}
	log.Printf("[Log Replication] Node %d accepted and stored %d new entries from leader %d", r.id, len(entries)-insertFrom, args.LeaderID)
	return nil
}

// updateFollowerCommitIndex advances the follower's commitIndex toward the
// leader's, bounded by the local log. Caller must hold mu.
func (r *Raft) updateFollowerCommitIndex(args *param.AppendEntriesArgs) {
	if args.LeaderCommit <= r.commitIndex {
		return
	}

	lastLogIndex, _ := r.store.LastLogIndex()
	oldCommitIndex := r.commitIndex
	r.commitIndex = min(args.LeaderCommit, lastLogIndex)

	if r.commitIndex > oldCommitIndex {
		log.Printf("[Log Replication] Node %d advances commitIndex to %d", r.id, r.commitIndex)
		r.signalApply()
	}
}

// signalApply wakes the applier. Non-blocking, callable with or without mu.
func (r *Raft) signalApply() {
	if r.applySignal == nil {
		return
	}
	select {
	case r.applySignal <- struct{}{}:
	default:
	}
}

// runApplier is the single goroutine feeding committed entries to the state
// machine. One applier means entries reach the state machine in strictly
// increasing index order, and lastApplied is only advertised once the entry
// it names has actually been applied.
func (r *Raft) runApplier() {
	for {
		select {
		case <-r.shutdownChan:
			return
		case <-r.applySignal:
		}
		r.applyCommittedEntries()
	}
}

// applyCommittedEntries drains the gap between lastApplied and commitIndex,
// one entry at a time. Runs on the applier goroutine only.
func (r *Raft) applyCommittedEntries() {
	for {
		r.mu.Lock()
		if r.lastApplied >= r.commitIndex || r.state == Dead {
			r.mu.Unlock()
			return
		}
		nextIndex := r.lastApplied + 1
		entry, err := r.store.GetEntry(nextIndex)
		if err != nil || entry == nil {
			// A committed entry must exist in storage; if it does not, the
			// node cannot safely continue applying.
			log.Printf("[FATAL] Node %d could not retrieve committed log entry %d: %v", r.id, nextIndex, err)
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()

		result := r.applyEntry(*entry)

		r.mu.Lock()
		if entry.Index != r.lastApplied+1 {
			// A snapshot install moved lastApplied while the entry was inside
			// the state machine; the snapshot already covers its effect.
			r.mu.Unlock()
			continue
		}
		r.lastApplied = entry.Index
		if entry.ClientID != 0 {
			if last, ok := r.clientSessions[entry.ClientID]; !ok || entry.SequenceNum > last {
				r.clientSessions[entry.ClientID] = entry.SequenceNum
			}
		}
		notifyChan, ok := r.notifyApply[entry.Index]
		if ok {
			delete(r.notifyApply, entry.Index)
		}
		r.lastAppliedCond.Broadcast()
		r.mu.Unlock()

		// The send happens outside the lock; the receiver might be gone
		// already, which is why the channel is buffered.
		if ok {
			notifyChan <- result
		}
	}
}

// applyEntry runs one committed entry through the state machine and the
// commit channel. The no-op a new leader appends carries nothing to apply.
func (r *Raft) applyEntry(entry param.LogEntry) any {
	if isNoOp(entry.Command) {
		return nil
	}

	var result any
	if r.stateMachine != nil {
		result = r.stateMachine.Apply(entry)
	}

	if r.commitChan != nil {
		r.commitChan <- param.CommitEntry{
			Command: entry.Command,
			Index:   entry.Index,
			Term:    entry.Term,
		}
	}
	return result
}
