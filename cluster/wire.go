package cluster

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	wiErr "github.com/ldzhong/cluster-md/errors"
)

// The transport carries four tiny messages. They are hand-encoded with
// protowire rather than generated: every field is a varint, and keeping the
// schema in one file beats a codegen step for two round trips.

type AcquireRequest struct {
	Node uint32 // field 1
	Mode Mode   // field 2
}

type AcquireReply struct {
	Status uint32 // field 1, 0 = granted
	Used   uint32 // field 2, exclusively held slot
}

type ReleaseRequest struct {
	Node uint32 // field 1
}

type ReleaseReply struct{}

// NotifyRequest is the blocking-notification push: the owner of Node wants
// the slot back.
type NotifyRequest struct {
	Node uint32 // field 1
}

type NotifyReply struct{}

type message interface {
	appendTo([]byte) []byte
	decode([]byte) error
}

func (m *AcquireRequest) appendTo(b []byte) []byte {
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Node))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Mode))
	return b
}

func (m *AcquireRequest) decode(b []byte) error {
	return decodeVarints(b, func(num protowire.Number, v uint64) {
		switch num {
		case 1:
			m.Node = uint32(v)
		case 2:
			m.Mode = Mode(v)
		}
	})
}

func (m *AcquireReply) appendTo(b []byte) []byte {
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Status))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Used))
	return b
}

func (m *AcquireReply) decode(b []byte) error {
	return decodeVarints(b, func(num protowire.Number, v uint64) {
		switch num {
		case 1:
			m.Status = uint32(v)
		case 2:
			m.Used = uint32(v)
		}
	})
}

func (m *ReleaseRequest) appendTo(b []byte) []byte {
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Node))
	return b
}

func (m *ReleaseRequest) decode(b []byte) error {
	return decodeVarints(b, func(num protowire.Number, v uint64) {
		if num == 1 {
			m.Node = uint32(v)
		}
	})
}

func (m *ReleaseReply) appendTo(b []byte) []byte { return b }
func (m *ReleaseReply) decode([]byte) error      { return nil }

func (m *NotifyRequest) appendTo(b []byte) []byte {
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Node))
	return b
}

func (m *NotifyRequest) decode(b []byte) error {
	return decodeVarints(b, func(num protowire.Number, v uint64) {
		if num == 1 {
			m.Node = uint32(v)
		}
	})
}

func (m *NotifyReply) appendTo(b []byte) []byte { return b }
func (m *NotifyReply) decode([]byte) error      { return nil }

// decodeVarints walks the buffer, handing every varint field to set and
// skipping anything else, so old peers with extra fields stay readable.
func decodeVarints(b []byte, set func(num protowire.Number, v uint64)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", wiErr.ErrFormat, protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.VarintType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: %v", wiErr.ErrFormat, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", wiErr.ErrFormat, protowire.ParseError(n))
		}
		b = b[n:]
		set(num, v)
	}
	return nil
}

// Codec plugs the hand-encoded messages into gRPC on both ends.
type Codec struct{}

func (Codec) Marshal(v interface{}) ([]byte, error) {
	msg, ok := v.(message)
	if !ok {
		return nil, fmt.Errorf("%w: cannot marshal %T", wiErr.ErrInvalid, v)
	}
	return msg.appendTo(nil), nil
}

func (Codec) Unmarshal(data []byte, v interface{}) error {
	msg, ok := v.(message)
	if !ok {
		return fmt.Errorf("%w: cannot unmarshal into %T", wiErr.ErrInvalid, v)
	}
	return msg.decode(data)
}

func (Codec) Name() string { return "regionlock" }
