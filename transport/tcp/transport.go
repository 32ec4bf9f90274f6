package tcp

import (
	"errors"
	"fmt"
	"log"
	"net"
	"net/rpc"
	"strconv"
	"sync"
	"time"

	"github.com/raftforge/raft/param"
)

const dialTimeout = 5 * time.Second

// RaftRPC adapts a node's handlers to the method signatures net/rpc expects.
// The exported type name doubles as the wire-level service name.
type RaftRPC struct {
	Raft param.RPCServer
}

func (r *RaftRPC) RequestVote(args param.RequestVoteArgs, reply *param.RequestVoteReply) error {
	return r.Raft.RequestVote(&args, reply)
}

func (r *RaftRPC) AppendEntries(args param.AppendEntriesArgs, reply *param.AppendEntriesReply) error {
	return r.Raft.AppendEntries(&args, reply)
}

func (r *RaftRPC) InstallSnapshot(args param.InstallSnapshotArgs, reply *param.InstallSnapshotReply) error {
	return r.Raft.InstallSnapshot(&args, reply)
}

func (r *RaftRPC) ClientRequest(args param.ClientArgs, reply *param.ClientReply) error {
	return r.Raft.ClientRequest(&args, reply)
}

// Transport carries RPCs over TCP with net/rpc and gob encoding. Outbound
// connections are cached per target and rebuilt after a shutdown error.
type Transport struct {
	localAddr string
	listener  net.Listener
	raft      param.RPCServer
	server    *rpc.Server

	mu        sync.RWMutex
	clients   map[string]*rpc.Client
	resolvers map[int]string
}

// NewTransport creates a TCP transport listening on listenAddr. Port 0 asks
// the OS for a free port; Addr reports the resolved address.
func NewTransport(listenAddr string) (*Transport, error) {
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}

	return &Transport{
		localAddr: listener.Addr().String(),
		listener:  listener,
		server:    rpc.NewServer(),
		clients:   make(map[string]*rpc.Client),
		resolvers: make(map[int]string),
	}, nil
}

// Addr returns the local listen address.
func (t *Transport) Addr() string {
	return t.localAddr
}

// SetPeers replaces the node ID to address mapping and drops cached clients
// so the next call dials the new addresses.
func (t *Transport) SetPeers(peers map[int]string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.resolvers = make(map[int]string, len(peers))
	for id, addr := range peers {
		t.resolvers[id] = addr
	}

	for _, client := range t.clients {
		client.Close()
	}
	t.clients = make(map[string]*rpc.Client)
}

// RegisterRaft attaches the local node.
func (t *Transport) RegisterRaft(raftInstance param.RPCServer) {
	t.raft = raftInstance
}

// Start registers the RPC service and begins accepting connections.
func (t *Transport) Start() error {
	if t.raft == nil {
		return errors.New("raft instance not registered")
	}
	if err := t.server.Register(&RaftRPC{Raft: t.raft}); err != nil {
		return err
	}

	go t.acceptConnections()

	log.Printf("[TCPTransport] Listening on %s", t.localAddr)
	return nil
}

func (t *Transport) acceptConnections() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("[TCPTransport] Accept error on %s: %v", t.localAddr, err)
			continue
		}
		go t.server.ServeConn(conn)
	}
}

// Close stops the listener and closes all cached clients.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, client := range t.clients {
		client.Close()
	}
	t.clients = make(map[string]*rpc.Client)

	return t.listener.Close()
}

func (t *Transport) resolveTarget(target string) (string, error) {
	id, err := strconv.Atoi(target)
	if err != nil {
		return "", fmt.Errorf("invalid node id: %s", target)
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	addr, ok := t.resolvers[id]
	if !ok {
		return "", fmt.Errorf("address not found for node %d", id)
	}
	return addr, nil
}

func (t *Transport) getPeerClient(target string) (*rpc.Client, error) {
	t.mu.RLock()
	client, ok := t.clients[target]
	t.mu.RUnlock()
	if ok {
		return client, nil
	}

	addr, err := t.resolveTarget(target)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// Another goroutine may have dialed while we waited for the lock.
	if client, ok := t.clients[target]; ok {
		return client, nil
	}

	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, err
	}
	client = rpc.NewClient(conn)
	t.clients[target] = client
	return client, nil
}

func (t *Transport) remoteCall(target, method string, args any, reply any) error {
	client, err := t.getPeerClient(target)
	if err != nil {
		return err
	}

	if err := client.Call(method, args, reply); err != nil {
		// A shutdown error means the cached client is dead, drop it so the
		// next call redials.
		if errors.Is(err, rpc.ErrShutdown) {
			t.mu.Lock()
			delete(t.clients, target)
			t.mu.Unlock()
		}
		return err
	}
	return nil
}

func (t *Transport) SendRequestVote(target string, req *param.RequestVoteArgs, resp *param.RequestVoteReply) error {
	return t.remoteCall(target, "RaftRPC.RequestVote", req, resp)
}

func (t *Transport) SendAppendEntries(target string, req *param.AppendEntriesArgs, resp *param.AppendEntriesReply) error {
	return t.remoteCall(target, "RaftRPC.AppendEntries", req, resp)
}

func (t *Transport) SendInstallSnapshot(target string, req *param.InstallSnapshotArgs, resp *param.InstallSnapshotReply) error {
	return t.remoteCall(target, "RaftRPC.InstallSnapshot", req, resp)
}

func (t *Transport) SendClientRequest(target string, req *param.ClientArgs, resp *param.ClientReply) error {
	return t.remoteCall(target, "RaftRPC.ClientRequest", req, resp)
}
