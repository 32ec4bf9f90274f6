// Package raftwire is a hand-maintained protobuf wire encoding for the
// consensus RPC messages. It keeps the gRPC transport free of generated code
// while staying wire-compatible with a .proto description of the same fields.
// Commands and results are opaque to the protocol, they travel as gob bytes.
package raftwire

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/raftforge/raft/param"
)

// Name is the codec name, selected per call with grpc.CallContentSubtype.
const Name = "raftwire"

func init() {
	encoding.RegisterCodec(Codec{})
}

// Codec implements grpc/encoding.Codec for the consensus message types.
type Codec struct{}

func (Codec) Name() string { return Name }

func (Codec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case *param.RequestVoteArgs:
		return appendRequestVoteArgs(nil, m)
	case *param.RequestVoteReply:
		return appendRequestVoteReply(nil, m)
	case *param.AppendEntriesArgs:
		return appendAppendEntriesArgs(nil, m)
	case *param.AppendEntriesReply:
		return appendAppendEntriesReply(nil, m)
	case *param.InstallSnapshotArgs:
		return appendInstallSnapshotArgs(nil, m)
	case *param.InstallSnapshotReply:
		return appendInstallSnapshotReply(nil, m)
	case *param.ClientArgs:
		return appendClientArgs(nil, m)
	case *param.ClientReply:
		return appendClientReply(nil, m)
	default:
		return nil, fmt.Errorf("raftwire: cannot marshal %T", v)
	}
}

func (Codec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case *param.RequestVoteArgs:
		return parseRequestVoteArgs(data, m)
	case *param.RequestVoteReply:
		return parseRequestVoteReply(data, m)
	case *param.AppendEntriesArgs:
		return parseAppendEntriesArgs(data, m)
	case *param.AppendEntriesReply:
		return parseAppendEntriesReply(data, m)
	case *param.InstallSnapshotArgs:
		return parseInstallSnapshotArgs(data, m)
	case *param.InstallSnapshotReply:
		return parseInstallSnapshotReply(data, m)
	case *param.ClientArgs:
		return parseClientArgs(data, m)
	case *param.ClientReply:
		return parseClientReply(data, m)
	default:
		return fmt.Errorf("raftwire: cannot unmarshal into %T", v)
	}
}

// encodeAny gob-encodes an opaque command or result.
func encodeAny(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeAny reverses encodeAny. Empty input decodes to nil.
func decodeAny(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var v any
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

func appendUint64(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendInt64(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// fieldScanner walks the top-level fields of one message.
type fieldScanner struct {
	data []byte
	err  error
}

// next reports the field number and type of the next field and leaves its
// payload to be consumed by one of the typed readers.
func (s *fieldScanner) next() (protowire.Number, protowire.Type, bool) {
	if s.err != nil || len(s.data) == 0 {
		return 0, 0, false
	}
	num, typ, n := protowire.ConsumeTag(s.data)
	if n < 0 {
		s.err = protowire.ParseError(n)
		return 0, 0, false
	}
	s.data = s.data[n:]
	return num, typ, true
}

func (s *fieldScanner) varint() uint64 {
	v, n := protowire.ConsumeVarint(s.data)
	if n < 0 {
		s.err = protowire.ParseError(n)
		return 0
	}
	s.data = s.data[n:]
	return v
}

func (s *fieldScanner) bytes() []byte {
	v, n := protowire.ConsumeBytes(s.data)
	if n < 0 {
		s.err = protowire.ParseError(n)
		return nil
	}
	s.data = s.data[n:]
	out := make([]byte, len(v))
	copy(out, v)
	return out
}

// skip consumes a field of any type, keeping unknown fields harmless.
func (s *fieldScanner) skip(num protowire.Number, typ protowire.Type) {
	n := protowire.ConsumeFieldValue(num, typ, s.data)
	if n < 0 {
		s.err = protowire.ParseError(n)
		return
	}
	s.data = s.data[n:]
}

func appendRequestVoteArgs(b []byte, m *param.RequestVoteArgs) ([]byte, error) {
	b = appendUint64(b, 1, m.Term)
	b = appendInt64(b, 2, int64(m.CandidateID))
	b = appendUint64(b, 3, m.LastLogIndex)
	b = appendUint64(b, 4, m.LastLogTerm)
	b = appendBool(b, 5, m.PreVote)
	return b, nil
}

func parseRequestVoteArgs(data []byte, m *param.RequestVoteArgs) error {
	s := &fieldScanner{data: data}
	for {
		num, typ, ok := s.next()
		if !ok {
			return s.err
		}
		switch num {
		case 1:
			m.Term = s.varint()
		case 2:
			m.CandidateID = int(int64(s.varint()))
		case 3:
			m.LastLogIndex = s.varint()
		case 4:
			m.LastLogTerm = s.varint()
		case 5:
			m.PreVote = s.varint() != 0
		default:
			s.skip(num, typ)
		}
	}
}

func appendRequestVoteReply(b []byte, m *param.RequestVoteReply) ([]byte, error) {
	b = appendUint64(b, 1, m.Term)
	b = appendBool(b, 2, m.VoteGranted)
	b = appendInt64(b, 3, int64(m.VoterID))
	return b, nil
}

func parseRequestVoteReply(data []byte, m *param.RequestVoteReply) error {
	s := &fieldScanner{data: data}
	for {
		num, typ, ok := s.next()
		if !ok {
			return s.err
		}
		switch num {
		case 1:
			m.Term = s.varint()
		case 2:
			m.VoteGranted = s.varint() != 0
		case 3:
			m.VoterID = int(int64(s.varint()))
		default:
			s.skip(num, typ)
		}
	}
}

func appendLogEntry(b []byte, e *param.LogEntry) ([]byte, error) {
	cmd, err := encodeAny(e.Command)
	if err != nil {
		return nil, err
	}
	b = appendBytes(b, 1, cmd)
	b = appendUint64(b, 2, e.Term)
	b = appendUint64(b, 3, e.Index)
	b = appendInt64(b, 4, e.ClientID)
	b = appendInt64(b, 5, e.SequenceNum)
	return b, nil
}

func parseLogEntry(data []byte, e *param.LogEntry) error {
	s := &fieldScanner{data: data}
	for {
		num, typ, ok := s.next()
		if !ok {
			return s.err
		}
		switch num {
		case 1:
			cmd, err := decodeAny(s.bytes())
			if err != nil {
				return err
			}
			e.Command = cmd
		case 2:
			e.Term = s.varint()
		case 3:
			e.Index = s.varint()
		case 4:
			e.ClientID = int64(s.varint())
		case 5:
			e.SequenceNum = int64(s.varint())
		default:
			s.skip(num, typ)
		}
	}
}

func appendAppendEntriesArgs(b []byte, m *param.AppendEntriesArgs) ([]byte, error) {
	b = appendUint64(b, 1, m.Term)
	b = appendInt64(b, 2, int64(m.LeaderID))
	b = appendUint64(b, 3, m.PrevLogIndex)
	b = appendUint64(b, 4, m.PrevLogTerm)
	for i := range m.Entries {
		entry, err := appendLogEntry(nil, &m.Entries[i])
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	b = appendUint64(b, 6, m.LeaderCommit)
	return b, nil
}

func parseAppendEntriesArgs(data []byte, m *param.AppendEntriesArgs) error {
	s := &fieldScanner{data: data}
	for {
		num, typ, ok := s.next()
		if !ok {
			return s.err
		}
		switch num {
		case 1:
			m.Term = s.varint()
		case 2:
			m.LeaderID = int(int64(s.varint()))
		case 3:
			m.PrevLogIndex = s.varint()
		case 4:
			m.PrevLogTerm = s.varint()
		case 5:
			var entry param.LogEntry
			if err := parseLogEntry(s.bytes(), &entry); err != nil {
				return err
			}
			m.Entries = append(m.Entries, entry)
		case 6:
			m.LeaderCommit = s.varint()
		default:
			s.skip(num, typ)
		}
	}
}

func appendAppendEntriesReply(b []byte, m *param.AppendEntriesReply) ([]byte, error) {
	b = appendUint64(b, 1, m.Term)
	b = appendBool(b, 2, m.Success)
	b = appendUint64(b, 3, m.MatchIndex)
	b = appendUint64(b, 4, m.ConflictIndex)
	b = appendUint64(b, 5, m.ConflictTerm)
	return b, nil
}

func parseAppendEntriesReply(data []byte, m *param.AppendEntriesReply) error {
	s := &fieldScanner{data: data}
	for {
		num, typ, ok := s.next()
		if !ok {
			return s.err
		}
		switch num {
		case 1:
			m.Term = s.varint()
		case 2:
			m.Success = s.varint() != 0
		case 3:
			m.MatchIndex = s.varint()
		case 4:
			m.ConflictIndex = s.varint()
		case 5:
			m.ConflictTerm = s.varint()
		default:
			s.skip(num, typ)
		}
	}
}

func appendInstallSnapshotArgs(b []byte, m *param.InstallSnapshotArgs) ([]byte, error) {
	b = appendUint64(b, 1, m.Term)
	b = appendInt64(b, 2, int64(m.LeaderID))
	b = appendUint64(b, 3, m.LastIncludedIndex)
	b = appendUint64(b, 4, m.LastIncludedTerm)
	b = appendBytes(b, 5, m.Data)
	return b, nil
}

func parseInstallSnapshotArgs(data []byte, m *param.InstallSnapshotArgs) error {
	s := &fieldScanner{data: data}
	for {
		num, typ, ok := s.next()
		if !ok {
			return s.err
		}
		switch num {
		case 1:
			m.Term = s.varint()
		case 2:
			m.LeaderID = int(int64(s.varint()))
		case 3:
			m.LastIncludedIndex = s.varint()
		case 4:
			m.LastIncludedTerm = s.varint()
		case 5:
			m.Data = s.bytes()
		default:
			s.skip(num, typ)
		}
	}
}

func appendInstallSnapshotReply(b []byte, m *param.InstallSnapshotReply) ([]byte, error) {
	b = appendUint64(b, 1, m.Term)
	return b, nil
}

func parseInstallSnapshotReply(data []byte, m *param.InstallSnapshotReply) error {
	s := &fieldScanner{data: data}
	for {
		num, typ, ok := s.next()
		if !ok {
			return s.err
		}
		switch num {
		case 1:
			m.Term = s.varint()
		default:
			s.skip(num, typ)
		}
	}
}

func appendClientArgs(b []byte, m *param.ClientArgs) ([]byte, error) {
	b = appendInt64(b, 1, m.ClientID)
	b = appendInt64(b, 2, m.SequenceNum)
	cmd, err := encodeAny(m.Command)
	if err != nil {
		return nil, err
	}
	b = appendBytes(b, 3, cmd)
	return b, nil
}

func parseClientArgs(data []byte, m *param.ClientArgs) error {
	s := &fieldScanner{data: data}
	for {
		num, typ, ok := s.next()
		if !ok {
			return s.err
		}
		switch num {
		case 1:
			m.ClientID = int64(s.varint())
		case 2:
			m.SequenceNum = int64(s.varint())
		case 3:
			cmd, err := decodeAny(s.bytes())
			if err != nil {
				return err
			}
			m.Command = cmd
		default:
			s.skip(num, typ)
		}
	}
}

func appendClientReply(b []byte, m *param.ClientReply) ([]byte, error) {
	b = appendBool(b, 1, m.Success)
	result, err := encodeAny(m.Result)
	if err != nil {
		return nil, err
	}
	b = appendBytes(b, 2, result)
	b = appendBool(b, 3, m.NotLeader)
	b = appendInt64(b, 4, int64(m.LeaderHint))
	return b, nil
}

func parseClientReply(data []byte, m *param.ClientReply) error {
	s := &fieldScanner{data: data}
	for {
		num, typ, ok := s.next()
		if !ok {
			return s.err
		}
		switch num {
		case 1:
			m.Success = s.varint() != 0
		case 2:
			result, err := decodeAny(s.bytes())
			if err != nil {
				return err
			}
			m.Result = result
		case 3:
			m.NotLeader = s.varint() != 0
		case 4:
			m.LeaderHint = int(int64(s.varint()))
		default:
			s.skip(num, typ)
		}
	}
}
