package client

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"log"
	"math/big"
	"strconv"
	"time"

	"github.com/raftforge/raft/param"
	"github.com/raftforge/raft/transport"
)

// ErrCommandFailed is returned when a command could not be acknowledged by the
// cluster within the operation timeout.
var ErrCommandFailed = errors.New("command failed or timed out")

const (
	// commandTimeout bounds one SendCommand call across all retries.
	commandTimeout = 5 * time.Second
	// retryInterval is the pause between attempts.
	retryInterval = 100 * time.Millisecond
)

// clientAction is the next step after digesting one RPC response.
type clientAction int

const (
	actionSuccess clientAction = iota
	actionFail
	actionRetry
)

// Client talks to a Raft cluster: it tracks the current leader through
// redirection hints and retags retried commands with the same sequence number
// so the cluster can deduplicate them.
type Client struct {
	clientID    int64
	sequenceNum int64
	servers     map[int]string
	leaderHint  int
	trans       transport.Transport
}

// NewClient creates a client for the given cluster. The servers map goes from
// node ID to address.
func NewClient(servers map[int]string, trans transport.Transport) *Client {
	randID, _ := rand.Int(rand.Reader, big.NewInt(int64(^uint64(0)>>1)))
	return &Client{
		clientID:    randID.Int64(),
		sequenceNum: 0,
		servers:     servers,
		leaderHint:  0,
		trans:       trans,
	}
}

// Set stores a key-value pair in the cluster.
func (c *Client) Set(key, value string) error {
	cmd, err := encodeCommand(param.KVCommand{Op: "set", Key: key, Value: value})
	if err != nil {
		return err
	}
	if _, ok := c.SendCommand(cmd); !ok {
		return ErrCommandFailed
	}
	return nil
}

// Get reads the value of a key from the cluster.
func (c *Client) Get(key string) (string, error) {
	cmd, err := encodeCommand(param.KVCommand{Op: "get", Key: key})
	if err != nil {
		return "", err
	}
	result, ok := c.SendCommand(cmd)
	if !ok {
		return "", ErrCommandFailed
	}
	value, isString := result.(string)
	if !isString {
		return "", ErrCommandFailed
	}
	return value, nil
}

// Delete removes a key from the cluster.
func (c *Client) Delete(key string) error {
	cmd, err := encodeCommand(param.KVCommand{Op: "delete", Key: key})
	if err != nil {
		return err
	}
	if _, ok := c.SendCommand(cmd); !ok {
		return ErrCommandFailed
	}
	return nil
}

// SendCommand submits one command to the cluster, retrying through leader
// changes until it is acknowledged or the operation times out.
func (c *Client) SendCommand(command any) (any, bool) {
	opTimeout := time.After(commandTimeout)
	c.sequenceNum++
	request := param.NewClientArgs(c.clientID, c.sequenceNum, command)

	for {
		select {
		case <-opTimeout:
			log.Printf("[Client] Command (seq:%d) timed out", c.sequenceNum)
			return nil, false
		default:
			result, action := c.attemptOnce(request)
			switch action {
			case actionSuccess:
				return result, true
			case actionFail:
				return nil, false
			case actionRetry:
				time.Sleep(retryInterval)
			}
		}
	}
}

// attemptOnce performs a single request against the most likely leader.
func (c *Client) attemptOnce(request *param.ClientArgs) (any, clientAction) {
	targetNodeID := c.selectTargetNode()

	reply := &param.ClientReply{}
	err := c.trans.SendClientRequest(strconv.Itoa(targetNodeID), request, reply)

	return c.decideNextAction(targetNodeID, reply, err)
}

// selectTargetNode picks the known leader, or any node when there is none.
func (c *Client) selectTargetNode() int {
	if c.leaderHint != 0 {
		return c.leaderHint
	}
	for id := range c.servers {
		return id
	}
	return 0
}

// decideNextAction maps one RPC outcome to the next client step and keeps the
// leader hint current.
func (c *Client) decideNextAction(targetNodeID int, reply *param.ClientReply, err error) (result any, action clientAction) {
	if err != nil {
		log.Printf("[Client] Error sending request to node %d: %v, retrying", targetNodeID, err)
		c.leaderHint = 0
		return nil, actionRetry
	}

	if reply.NotLeader {
		log.Printf("[Client] Node %d is not leader, new leader hint: %d", targetNodeID, reply.LeaderHint)
		c.leaderHint = reply.LeaderHint
		return nil, actionRetry
	}

	if reply.Success {
		return reply.Result, actionSuccess
	}

	log.Printf("[Client] Command (seq:%d) was not processed by node %d, retrying", c.sequenceNum, targetNodeID)
	c.leaderHint = 0
	return nil, actionRetry
}

// encodeCommand serializes a KVCommand the way the state machine expects it.
func encodeCommand(cmd param.KVCommand) ([]byte, error) {
	return json.Marshal(cmd)
}
