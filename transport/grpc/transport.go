package grpc

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/raftforge/raft/param"
	"github.com/raftforge/raft/transport/grpc/raftwire"
)

const (
	serviceName = "raftwire.RaftService"
	rpcTimeout  = 2 * time.Second
)

// Transport carries RPCs over gRPC using the raftwire codec, so no generated
// stubs are needed. Outbound connections are cached per target node.
type Transport struct {
	listener  net.Listener
	localAddr string

	raft       param.RPCServer
	grpcServer *grpc.Server

	mu        sync.RWMutex
	conns     map[string]*grpc.ClientConn
	resolvers map[int]string
}

// NewTransport creates a gRPC transport listening on listenAddr.
func NewTransport(listenAddr string) (*Transport, error) {
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}

	return &Transport{
		listener:   listener,
		localAddr:  listener.Addr().String(),
		grpcServer: grpc.NewServer(),
		conns:      make(map[string]*grpc.ClientConn),
		resolvers:  make(map[int]string),
	}, nil
}

// Addr returns the local listen address.
func (t *Transport) Addr() string {
	return t.localAddr
}

// SetPeers replaces the node ID to address mapping. Existing connections are
// closed so the next call dials the new addresses.
func (t *Transport) SetPeers(peers map[int]string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.resolvers = make(map[int]string, len(peers))
	for id, addr := range peers {
		t.resolvers[id] = addr
	}

	for _, conn := range t.conns {
		conn.Close()
	}
	t.conns = make(map[string]*grpc.ClientConn)
}

// RegisterRaft attaches the local node.
func (t *Transport) RegisterRaft(raftInstance param.RPCServer) {
	t.raft = raftInstance
}

// Start registers the service and begins serving.
func (t *Transport) Start() error {
	if t.raft == nil {
		return errors.New("raft instance not registered")
	}

	t.grpcServer.RegisterService(&serviceDesc, t)

	go func() {
		if err := t.grpcServer.Serve(t.listener); err != nil {
			log.Printf("[GRPCTransport] Server stopped: %v", err)
		}
	}()

	log.Printf("[GRPCTransport] Service started on %s", t.localAddr)
	return nil
}

// Close stops the gRPC server and closes all connections.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.grpcServer.Stop()

	for _, conn := range t.conns {
		conn.Close()
	}
	t.conns = make(map[string]*grpc.ClientConn)

	return nil
}

func (t *Transport) getPeerAddress(target string) (string, error) {
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

func (t *Transport) getPeerConn(target string) (*grpc.ClientConn, error) {
	t.mu.RLock()
	conn, ok := t.conns[target]
	t.mu.RUnlock()
	if ok {
		return conn, nil
	}

	addr, err := t.getPeerAddress(target)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if conn, ok := t.conns[target]; ok {
		return conn, nil
	}

	conn, err = grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	t.conns[target] = conn
	return conn, nil
}

func (t *Transport) invoke(target, method string, args, reply any) error {
	conn, err := t.getPeerConn(target)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()

	return conn.Invoke(ctx, method, args, reply, grpc.CallContentSubtype(raftwire.Name))
}

func (t *Transport) SendRequestVote(target string, req *param.RequestVoteArgs, resp *param.RequestVoteReply) error {
	return t.invoke(target, "/"+serviceName+"/RequestVote", req, resp)
}

func (t *Transport) SendAppendEntries(target string, req *param.AppendEntriesArgs, resp *param.AppendEntriesReply) error {
	return t.invoke(target, "/"+serviceName+"/AppendEntries", req, resp)
}

func (t *Transport) SendInstallSnapshot(target string, req *param.InstallSnapshotArgs, resp *param.InstallSnapshotReply) error {
	return t.invoke(target, "/"+serviceName+"/InstallSnapshot", req, resp)
}

func (t *Transport) SendClientRequest(target string, req *param.ClientArgs, resp *param.ClientReply) error {
	return t.invoke(target, "/"+serviceName+"/ClientRequest", req, resp)
}

// serviceDesc wires the four unary methods by hand, playing the role of the
// descriptor a protoc plugin would emit.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RequestVote", Handler: requestVoteHandler},
		{MethodName: "AppendEntries", Handler: appendEntriesHandler},
		{MethodName: "InstallSnapshot", Handler: installSnapshotHandler},
		{MethodName: "ClientRequest", Handler: clientRequestHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "raftwire",
}

func requestVoteHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(param.RequestVoteArgs)
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req any) (any, error) {
		out := new(param.RequestVoteReply)
		if err := srv.(*Transport).raft.RequestVote(req.(*param.RequestVoteArgs), out); err != nil {
			return nil, err
		}
		return out, nil
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/RequestVote"}
	return interceptor(ctx, in, info, handler)
}

func appendEntriesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(param.AppendEntriesArgs)
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req any) (any, error) {
		out := new(param.AppendEntriesReply)
		if err := srv.(*Transport).raft.AppendEntries(req.(*param.AppendEntriesArgs), out); err != nil {
			return nil, err
		}
		return out, nil
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/AppendEntries"}
	return interceptor(ctx, in, info, handler)
}

func installSnapshotHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(param.InstallSnapshotArgs)
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req any) (any, error) {
		out := new(param.InstallSnapshotReply)
		if err := srv.(*Transport).raft.InstallSnapshot(req.(*param.InstallSnapshotArgs), out); err != nil {
			return nil, err
		}
		return out, nil
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/InstallSnapshot"}
	return interceptor(ctx, in, info, handler)
}

func clientRequestHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(param.ClientArgs)
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req any) (any, error) {
		out := new(param.ClientReply)
		if err := srv.(*Transport).raft.ClientRequest(req.(*param.ClientArgs), out); err != nil {
			return nil, err
		}
		return out, nil
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/ClientRequest"}
	return interceptor(ctx, in, info, handler)
}
