package raft

import (
	"log"
	"strconv"
	"time"

	"github.com/raftforge/raft/param"
)

const (
	// tickInterval is how often the Run loop checks the election timer.
	tickInterval = 10 * time.Millisecond
	// heartbeatInterval is how often the leader pings its followers.
	heartbeatInterval = 50 * time.Millisecond
	// electionTimeout is the base election timeout; the effective timeout is
	// randomized in [electionTimeout, 2*electionTimeout).
	electionTimeout = 300 * time.Millisecond
	// leaseWindow is how long a follower ack counts toward the read lease.
	// It must not exceed the minimum election timeout, otherwise a read could
	// be served after a new leader has already been elected elsewhere.
	leaseWindow = electionTimeout
)

// noOpCommand is the placeholder a new leader appends to get an entry of its
// own term committed right away. It never reaches the state machine.
const noOpCommand = "no-op"

func isNoOp(command any) bool {
	cmd, ok := command.(string)
	return ok && cmd == noOpCommand
}

// startElection runs the pre-vote phase of an election. The node polls the
// cluster at currentTerm+1 without changing any persistent state; only if a
// majority would grant the vote does it start a real election. This keeps a
// partitioned node from bumping its term forever and forcing a disruptive
// re-election when it rejoins.
func (r *Raft) startElection() {
	r.mu.Lock()
	if r.state == Dead {
		r.mu.Unlock()
		return
	}
	r.electionResetEvent = time.Now()
	r.currentElectionTimeout = r.randomizedElectionTimeout()
	proposedTerm := r.currentTerm + 1

	lastLogIndex, lastLogTerm, err := r.getLastLogInfo()
	if err != nil {
		r.mu.Unlock()
		return
	}
	peers := append([]int(nil), r.peerIDs...)
	r.mu.Unlock()

	log.Printf("[Election] Node %d starts pre-vote for term %d", r.id, proposedTerm)

	voteChan := make(chan *param.RequestVoteReply, len(peers))
	for _, peerID := range peers {
		go r.sendVoteRequest(peerID, proposedTerm, lastLogIndex, lastLogTerm, true, voteChan)
	}
	go r.collectPreVotes(voteChan, proposedTerm, len(peers))
}

// collectPreVotes tallies the pre-vote poll and starts a real election once a
// majority of the cluster has answered favourably.
func (r *Raft) collectPreVotes(voteChan <-chan *param.RequestVoteReply, proposedTerm uint64, peerCount int) {
	majority := (peerCount+1)/2 + 1
	voters := map[int]bool{r.id: true}

	timer := time.NewTimer(electionTimeout)
	defer timer.Stop()

	for responses := 0; responses < peerCount; responses++ {
		select {
		case reply := <-voteChan:
			if reply.VoteGranted && reply.Term == proposedTerm && !voters[reply.VoterID] {
				voters[reply.VoterID] = true
				if len(voters) >= majority {
					r.startRealElection(proposedTerm)
					return
				}
			}
		case <-timer.C:
			return
		case <-r.shutdownChan:
			return
		}
	}
}

// startRealElection transitions to Candidate at term, persists the vote for
// itself, and broadcasts binding vote requests. The hard state must reach
// disk before the first RPC leaves, otherwise a crash could let this node
// vote twice in the same term.
func (r *Raft) startRealElection(term uint64) {
	r.mu.Lock()
	if r.state == Dead || r.currentTerm >= term {
		// The term moved on while the pre-vote was in flight.
		r.mu.Unlock()
		return
	}
	r.state = Candidate
	r.currentTerm = term
	r.votedFor = r.id
	r.electionResetEvent = time.Now()

	if err := r.store.SetState(param.HardState{CurrentTerm: r.currentTerm, VotedFor: int64(r.votedFor)}); err != nil {
		log.Printf("[ERROR] Node %d failed to persist state before election: %v", r.id, err)
		r.mu.Unlock()
		return
	}
	log.Printf("[Election] Node %d starts election for term %d", r.id, term)

	lastLogIndex, lastLogTerm, err := r.getLastLogInfo()
	if err != nil {
		r.mu.Unlock()
		return
	}
	peers := append([]int(nil), r.peerIDs...)
	r.mu.Unlock()

	voteChan := make(chan *param.RequestVoteReply, len(peers))
	for _, peerID := range peers {
		go r.sendVoteRequest(peerID, term, lastLogIndex, lastLogTerm, false, voteChan)
	}
	go r.handleElectionResult(voteChan, term, len(peers))
}

// sendVoteRequest sends one (pre-)vote request and forwards the reply to the
// tally. A transport failure counts as a rejection.
func (r *Raft) sendVoteRequest(peerID int, term uint64, lastLogIndex, lastLogTerm uint64, preVote bool, voteChan chan<- *param.RequestVoteReply) {
	args := param.NewRequestVoteArgs(term, r.id, lastLogIndex, lastLogTerm, preVote)
	reply := param.NewRequestVoteReply()

	if err := r.trans.SendRequestVote(strconv.Itoa(peerID), args, reply); err != nil {
		log.Printf("[Election] Node %d failed to request vote from %d: %v", r.id, peerID, err)
		voteChan <- &param.RequestVoteReply{VoterID: peerID}
		return
	}
	if reply.VoterID == 0 {
		reply.VoterID = peerID
	}

	if !preVote {
		r.mu.Lock()
		if reply.Term > r.currentTerm {
			log.Printf("[Election] Node %d found higher term %d from peer %d", r.id, reply.Term, peerID)
			if err := r.becomeFollower(reply.Term); err != nil {
				log.Printf("[ERROR] Node %d failed to persist state after finding higher term: %v", r.id, err)
			}
		}
		r.mu.Unlock()
	}

	voteChan <- reply
}

// handleElectionResult tallies real votes, deduplicated by voter ID, and
// either wins the election or reverts to Follower.
func (r *Raft) handleElectionResult(voteChan <-chan *param.RequestVoteReply, electionTerm uint64, peerCount int) {
	majority := (peerCount+1)/2 + 1
	voters := map[int]bool{r.id: true}

	timer := time.NewTimer(electionTimeout)
	defer timer.Stop()

	for responses := 0; responses < peerCount; responses++ {
		select {
		case reply := <-voteChan:
			if reply.VoteGranted && reply.Term == electionTerm && !voters[reply.VoterID] {
				log.Printf("[Election] Node %d received a vote from node %d for term %d", r.id, reply.VoterID, electionTerm)
				voters[reply.VoterID] = true
				if len(voters) >= majority {
					r.transitionToLeader(electionTerm)
					return
				}
			}
		case <-timer.C:
			r.handleElectionTimeout(electionTerm)
			return
		case <-r.shutdownChan:
			return
		}
	}
	// Every peer answered without producing a majority.
	r.handleElectionTimeout(electionTerm)
}

// transitionToLeader finalizes a won election.
func (r *Raft) transitionToLeader(electionTerm uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// The state may have moved on while the last vote was in flight.
	if r.state == Candidate && r.currentTerm == electionTerm {
		log.Printf("[Election] Node %d elected as leader for term %d", r.id, r.currentTerm)
		r.state = Leader
		r.knownLeaderID = r.id
		r.initLeaderState()

		// Commit an entry of the new term immediately: commitIndex may only
		// advance over a predecessor's entries through an entry of the
		// current term, and the read path refuses to serve until one is
		// committed. Without this, both would stall until a client writes.
		if _, err := r.proposeToLog(noOpCommand, 0, 0); err != nil {
			log.Printf("[ERROR] Node %d failed to propose the term-opening entry: %v", r.id, err)
		}

		r.startHeartbeat()
	}
}

// handleElectionTimeout reverts a candidate whose election did not conclude.
func (r *Raft) handleElectionTimeout(electionTerm uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == Candidate && r.currentTerm == electionTerm {
		log.Printf("[Election] Node %d election for term %d failed, reverting to follower", r.id, electionTerm)
		if err := r.becomeFollower(r.currentTerm); err != nil {
			log.Printf("[ERROR] Node %d failed to revert to follower: %v", r.id, err)
		}
	}
}

// initLeaderState resets the per-peer replication state. Caller must hold mu.
func (r *Raft) initLeaderState() {
	lastLogIndex, err := r.store.LastLogIndex()
	if err != nil {
		log.Printf("[ERROR] Node %d (new leader) failed to get last log index: %v", r.id, err)
		r.state = Follower
		return
	}

	r.nextIndex = make(map[int]uint64)
	r.matchIndex = make(map[int]uint64)
	r.lastAck = make(map[int]time.Time)
	for _, peerID := range r.peerIDs {
		r.nextIndex[peerID] = lastLogIndex + 1
		r.matchIndex[peerID] = 0
	}
}

// startHeartbeat launches the leader's heartbeat loop. Caller must hold mu.
func (r *Raft) startHeartbeat() {
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()

		// Announce leadership immediately, without waiting for the first tick.
		r.mu.Lock()
		r.broadcastHeartbeat()
		r.mu.Unlock()

		for {
			select {
			case <-r.shutdownChan:
				return
			case <-ticker.C:
			}

			r.mu.Lock()
			if r.state != Leader {
				r.mu.Unlock()
				return
			}
			r.broadcastHeartbeat()
			r.mu.Unlock()
		}
	}()
}

// broadcastHeartbeat fans out AppendEntries to every peer. Caller must hold mu.
func (r *Raft) broadcastHeartbeat() {
	for _, peerID := range r.peerIDs {
		go r.sendAppendEntries(peerID)
	}
}

// RequestVote is the RPC handler for both pre-votes and binding votes.
func (r *Raft) RequestVote(args *param.RequestVoteArgs, reply *param.RequestVoteReply) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == Dead {
		return nil
	}
	reply.VoterID = r.id

	if args.PreVote {
		r.decidePreVote(args, reply)
		return nil
	}

	if proceed, err := r.handleVoteTermLogic(args, reply); !proceed {
		return err
	}
	return r.decideVote(args, reply)
}

// decidePreVote answers a pre-vote poll. Nothing is persisted and votedFor is
// untouched: the reply only states whether a real election at args.Term would
// get this node's vote right now. Caller must hold mu.
func (r *Raft) decidePreVote(args *param.RequestVoteArgs, reply *param.RequestVoteReply) {
	reply.Term = r.currentTerm
	if args.Term <= r.currentTerm {
		return
	}

	// Refuse while a leader is known to be alive; an isolated node must not
	// be able to disturb a healthy cluster the moment it reconnects.
	if time.Since(r.electionResetEvent) < electionTimeout {
		return
	}

	logIsUpToDate, err := r.isLogUpToDate(args.LastLogIndex, args.LastLogTerm)
	if err != nil || !logIsUpToDate {
		return
	}

	reply.Term = args.Term
	reply.VoteGranted = true
}

// handleVoteTermLogic applies the term rules to a binding vote request.
// Returns whether the vote decision should proceed. Caller must hold mu.
func (r *Raft) handleVoteTermLogic(args *param.RequestVoteArgs, reply *param.RequestVoteReply) (bool, error) {
	if args.Term < r.currentTerm {
		reply.Term = r.currentTerm
		reply.VoteGranted = false
		return false, nil
	}

	if args.Term > r.currentTerm {
		if err := r.becomeFollower(args.Term); err != nil {
			reply.VoteGranted = false
			return false, err
		}
	}
	reply.Term = r.currentTerm
	return true, nil
}

// decideVote grants or denies a binding vote. Caller must hold mu.
func (r *Raft) decideVote(args *param.RequestVoteArgs, reply *param.RequestVoteReply) error {
	canVote := r.votedFor == -1 || r.votedFor == args.CandidateID

	logIsUpToDate, err := r.isLogUpToDate(args.LastLogIndex, args.LastLogTerm)
	if err != nil {
		reply.VoteGranted = false
		return err
	}

	if canVote && logIsUpToDate {
		if err := r.grantVote(args.CandidateID); err != nil {
			reply.VoteGranted = false
			return err
		}
		reply.VoteGranted = true
	} else {
		log.Printf("[RequestVote] Node %d denying vote for term %d to candidate %d (canVote=%t, logIsUpToDate=%t)", r.id, r.currentTerm, args.CandidateID, canVote, logIsUpToDate)
		reply.VoteGranted = false
	}
	return nil
}

// isLogUpToDate reports whether a candidate's log is at least as current as
// this node's, per the election safety rule. Caller must hold mu.
func (r *Raft) isLogUpToDate(candidateLastLogIndex, candidateLastLogTerm uint64) (bool, error) {
	localLastLogIndex, localLastLogTerm, err := r.getLastLogInfo()
	if err != nil {
		return false, err
	}

	if candidateLastLogTerm != localLastLogTerm {
		return candidateLastLogTerm > localLastLogTerm, nil
	}
	return candidateLastLogIndex >= localLastLogIndex, nil
}

// grantVote records and persists a vote for candidateID. The grant must be
// durable before the reply is sent. Caller must hold mu.
func (r *Raft) grantVote(candidateID int) error {
	log.Printf("[RequestVote] Node %d granting vote for term %d to candidate %d", r.id, r.currentTerm, candidateID)
	r.votedFor = candidateID
	r.electionResetEvent = time.Now()
	r.currentElectionTimeout = r.randomizedElectionTimeout()

	if err := r.store.SetState(param.HardState{CurrentTerm: r.currentTerm, VotedFor: int64(r.votedFor)}); err != nil {
		log.Printf("[ERROR] Node %d failed to persist vote: %v", r.id, err)
		return err
	}
	return nil
}

// isLeader reports whether the node currently believes it is the leader.
func (r *Raft) isLeader() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == Leader
}
