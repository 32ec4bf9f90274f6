package raft

import (
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/raftforge/raft/param"
	"github.com/raftforge/raft/storage"
	"github.com/raftforge/raft/transport"
)

// Raft is a single consensus node. All mutable fields are guarded by mu;
// helpers document whether they expect the lock to be held.
type Raft struct {
	mu sync.Mutex

	// id is this node's server ID.
	id int

	// peerIDs lists every other node in the cluster.
	peerIDs []int
	// knownLeaderID is the ID of the last observed leader, for redirection.
	knownLeaderID int

	// store persists the hard state, the log, and snapshots.
	store storage.Storage
	// trans carries RPCs to and from the peers.
	trans transport.Transport
	// stateMachine is the application this node replicates.
	stateMachine storage.StateMachine

	currentTerm uint64
	votedFor    int
	state       State

	commitIndex uint64
	lastApplied uint64
	commitChan  chan<- param.CommitEntry

	// snapshot caches the latest snapshot so the hot paths do not hit storage.
	snapshot       *param.Snapshot
	isSnapshotting bool

	// electionResetEvent is the last moment the election timer was reset;
	// currentElectionTimeout is the randomized deadline measured from it.
	electionResetEvent     time.Time
	currentElectionTimeout time.Duration

	// Leader volatile state.
	nextIndex  map[int]uint64
	matchIndex map[int]uint64
	// lastAck records, per peer, when that peer last acknowledged this
	// node's leadership at the current term. It backs the read lease.
	lastAck map[int]time.Time

	// clientSessions maps a client ID to the highest applied sequence number,
	// so retried commands are not applied twice.
	clientSessions map[int64]int64
	// notifyApply wakes the client handler waiting on a specific log index.
	notifyApply map[uint64]chan any

	// lastAppliedCond is broadcast whenever lastApplied advances.
	lastAppliedCond *sync.Cond
	// applySignal wakes the single applier goroutine after commitIndex moves.
	applySignal chan struct{}

	shutdownChan chan struct{}

	// localReads serves read commands from the local state machine without a
	// quorum round trip, trading linearizability for latency.
	localReads bool
}

// NewRaft creates a node and recovers its durable state. The node does not
// participate in the protocol until Run is called.
func NewRaft(id int, peerIDs []int, store storage.Storage, stateMachine storage.StateMachine, trans transport.Transport, commitChan chan<- param.CommitEntry) *Raft {
	r := &Raft{
		id:             id,
		peerIDs:        peerIDs,
		store:          store,
		stateMachine:   stateMachine,
		trans:          trans,
		state:          Follower,
		votedFor:       -1,
		commitChan:     commitChan,
		nextIndex:      make(map[int]uint64),
		matchIndex:     make(map[int]uint64),
		lastAck:        make(map[int]time.Time),
		clientSessions: make(map[int64]int64),
		notifyApply:    make(map[uint64]chan any),
		applySignal:    make(chan struct{}, 1),
		shutdownChan:   make(chan struct{}),
	}
	r.lastAppliedCond = sync.NewCond(&r.mu)

	if store != nil {
		hardState, err := store.GetState()
		if err != nil {
			log.Fatalf("failed to get hard state from storage: %s", err.Error())
		}
		r.currentTerm = hardState.CurrentTerm
		r.votedFor = int(hardState.VotedFor)

		r.recoverSnapshot()
	}

	r.electionResetEvent = time.Now()
	r.currentElectionTimeout = r.randomizedElectionTimeout()

	go r.runApplier()

	return r
}

// recoverSnapshot restores the state machine from the last durable snapshot
// and fast-forwards the applied indexes past the compacted prefix.
func (r *Raft) recoverSnapshot() {
	snapshot, err := r.store.ReadSnapshot()
	if err != nil {
		log.Fatalf("failed to read snapshot from storage: %s", err.Error())
	}
	if snapshot == nil {
		return
	}

	if r.stateMachine != nil {
		if err := r.stateMachine.ApplySnapshot(snapshot.Data); err != nil {
			log.Fatalf("failed to restore state machine from snapshot: %s", err.Error())
		}
	}
	r.snapshot = snapshot
	r.commitIndex = snapshot.LastIncludedIndex
	r.lastApplied = snapshot.LastIncludedIndex
	log.Printf("[Recovery] Node %d restored snapshot up to index %d", r.id, snapshot.LastIncludedIndex)
}

// WithLocalReads makes the node answer read commands from its local state
// machine, skipping the quorum confirmation. Reads may then observe stale
// data after a leader change.
func (r *Raft) WithLocalReads() *Raft {
	r.localReads = true
	return r
}

// ID returns this node's server ID.
func (r *Raft) ID() int {
	return r.id
}

// Run drives the election timer. It blocks until Stop is called and is meant
// to run in its own goroutine.
func (r *Raft) Run() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.shutdownChan:
			return
		case <-ticker.C:
		}

		r.mu.Lock()
		if r.state == Leader || r.state == Dead {
			r.mu.Unlock()
			continue
		}
		elapsed := time.Since(r.electionResetEvent)
		timeout := r.currentElectionTimeout
		r.mu.Unlock()

		if elapsed >= timeout {
			r.startElection()
		}
	}
}

// Stop shuts the node down. It is idempotent.
func (r *Raft) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Dead {
		return
	}
	log.Printf("[Shutdown] Node %d stopping", r.id)
	r.state = Dead
	close(r.shutdownChan)
	// Wake any read handler blocked on the apply condition so it can observe
	// the state change and bail out.
	r.lastAppliedCond.Broadcast()
}

// IsStopped reports whether Stop has been called.
func (r *Raft) IsStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == Dead
}

// randomizedElectionTimeout returns a fresh timeout in [T, 2T) where T is the
// base election timeout. The jitter keeps split votes from repeating.
func (r *Raft) randomizedElectionTimeout() time.Duration {
	return electionTimeout + time.Duration(rand.Int63n(int64(electionTimeout)))
}

// Submit appends a client command to the log if this node is the leader.
// It returns the entry's index and term, and whether the node accepted the
// command at all.
func (r *Raft) Submit(command any) (uint64, uint64, bool) {
	index, term, _, ok := r.submit(command, 0, 0, false)
	return index, term, ok
}

// submit appends a command and fans out replication. When notify is true, a
// result channel is registered in the same critical section as the append, so
// the applier can never race past an unregistered waiter: a command that
// commits is always reported to its client as committed.
func (r *Raft) submit(command any, clientID, sequenceNum int64, notify bool) (uint64, uint64, chan any, bool) {
	r.mu.Lock()

	if r.state != Leader {
		r.mu.Unlock()
		return 0, 0, nil, false
	}

	newLogEntry, err := r.proposeToLog(command, clientID, sequenceNum)
	if err != nil {
		r.mu.Unlock()
		return 0, 0, nil, false
	}

	var notifyChan chan any
	if notify {
		notifyChan = make(chan any, 1)
		r.notifyApply[newLogEntry.Index] = notifyChan
	}

	peersToNotify := append([]int(nil), r.peerIDs...)
	r.mu.Unlock()

	// Replicate outside the lock; the RPCs must not serialize on mu.
	for _, peerID := range peersToNotify {
		go r.sendAppendEntries(peerID)
	}

	return newLogEntry.Index, newLogEntry.Term, notifyChan, true
}

// proposeToLog appends a command to the local log. Caller must hold mu.
func (r *Raft) proposeToLog(command any, clientID, sequenceNum int64) (param.LogEntry, error) {
	lastIndex, err := r.store.LastLogIndex()
	if err != nil {
		log.Printf("[ERROR] Leader %d failed to get last log index to propose new entry: %v", r.id, err)
		return param.LogEntry{}, err
	}
	newIndex := lastIndex + 1

	newLogEntry := param.NewLogEntry(command, r.currentTerm, newIndex)
	newLogEntry.ClientID = clientID
	newLogEntry.SequenceNum = sequenceNum
	if err := r.store.AppendEntries([]param.LogEntry{newLogEntry}); err != nil {
		log.Printf("[ERROR] Leader %d failed to append new log entry: %s", r.id, err.Error())
		return param.LogEntry{}, err
	}
	log.Printf("[Log Replication] Leader %d proposed new log entry at index %d", r.id, newIndex)

	return newLogEntry, nil
}

// becomeFollower moves the node to Follower at newTerm and persists the
// transition. Caller must hold mu.
func (r *Raft) becomeFollower(newTerm uint64) error {
	log.Printf("[State Change] Node %d becomes follower at term %d", r.id, newTerm)
	r.currentTerm = newTerm
	r.state = Follower
	r.votedFor = -1
	r.electionResetEvent = time.Now()
	r.currentElectionTimeout = r.randomizedElectionTimeout()

	if err := r.store.SetState(param.HardState{CurrentTerm: r.currentTerm, VotedFor: int64(r.votedFor)}); err != nil {
		log.Printf("[ERROR] Node %d failed to persist state after becoming follower: %v", r.id, err)
		return err
	}
	return nil
}

// getLogTerm returns the term of the entry at index. Index 0 and the last
// snapshot index are answered without touching the log.
func (r *Raft) getLogTerm(index uint64) (uint64, error) {
	if index == 0 {
		return 0, nil
	}
	if r.snapshot != nil && index == r.snapshot.LastIncludedIndex {
		return r.snapshot.LastIncludedTerm, nil
	}
	entry, err := r.store.GetEntry(index)
	if err != nil {
		log.Printf("[ERROR] Node %d failed to get log entry at index %d: %v", r.id, index, err)
		return 0, err
	}
	if entry == nil {
		return 0, nil
	}
	return entry.Term, nil
}

// getFirstLogIndex returns the index of the first entry the log still holds.
func (r *Raft) getFirstLogIndex() (uint64, error) {
	if r.snapshot != nil {
		return r.snapshot.LastIncludedIndex + 1, nil
	}
	firstIndex, err := r.store.FirstLogIndex()
	if err != nil {
		log.Printf("[ERROR] Node %d failed to get first log index: %v", r.id, err)
		return 0, err
	}
	return firstIndex, nil
}

// getLastLogInfo returns the index and term of the last log entry.
// Caller must hold mu.
func (r *Raft) getLastLogInfo() (lastLogIndex uint64, lastLogTerm uint64, err error) {
	lastLogIndex, err = r.store.LastLogIndex()
	if err != nil {
		log.Printf("[ERROR] Node %d failed to get last log index: %v", r.id, err)
		return 0, 0, err
	}
	if lastLogIndex > 0 {
		lastLogTerm, err = r.getLogTerm(lastLogIndex)
		if err != nil {
			log.Printf("[ERROR] Node %d failed to get last log term: %v", r.id, err)
			return 0, 0, err
		}
	}
	return lastLogIndex, lastLogTerm, nil
}

// waitForAppliedLog blocks until the entry at index has been applied to the
// state machine, or until the timeout expires. The notify channel must have
// been registered when the entry was proposed.
func (r *Raft) waitForAppliedLog(index uint64, notifyChan chan any, timeout time.Duration) (any, bool) {
	select {
	case result := <-notifyChan:
		return result, true
	case <-time.After(timeout):
		log.Printf("[Client] Node %d timed out waiting for log index %d to be applied", r.id, index)
		r.mu.Lock()
		delete(r.notifyApply, index)
		r.mu.Unlock()
		return nil, false
	}
}
