// Package swarmpb holds the node service messages, their protobuf wire encoding and
// the gRPC plumbing around them. See swarm.proto for the schema.
package swarmpb

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Node status vocabulary.
const (
	StatusIdle        = "idle"
	StatusBusy        = "busy"
	StatusUnreachable = "unreachable"
)

// Task result vocabulary.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Message is implemented by every message in the schema.
type Message interface {
	MarshalAppend(b []byte) []byte
	Unmarshal(b []byte) error
}

// Marshal encodes m in protobuf wire format.
func Marshal(m Message) []byte {
	return m.MarshalAppend(nil)
}

type TaskMessage struct {
	Name         string
	AgentName    string
	Data         []byte
	Dependencies []string
}

func (m *TaskMessage) MarshalAppend(b []byte) []byte {
	b = appendString(b, 1, m.Name)
	b = appendString(b, 2, m.AgentName)
	b = appendBytes(b, 3, m.Data)
	for _, d := range m.Dependencies {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendString(b, d)
	}
	return b
}

func (m *TaskMessage) Unmarshal(b []byte) error {
	*m = TaskMessage{}
	return consumeFields(b, "TaskMessage", func(num protowire.Number, v []byte) {
		switch num {
		case 1:
			m.Name = string(v)
		case 2:
			m.AgentName = string(v)
		case 3:
			m.Data = append([]byte(nil), v...)
		case 4:
			m.Dependencies = append(m.Dependencies, string(v))
		}
	})
}

type TaskResult struct {
	Status string
	Result []byte
	Error  string
}

func (m *TaskResult) MarshalAppend(b []byte) []byte {
	b = appendString(b, 1, m.Status)
	b = appendBytes(b, 2, m.Result)
	b = appendString(b, 3, m.Error)
	return b
}

func (m *TaskResult) Unmarshal(b []byte) error {
	*m = TaskResult{}
	return consumeFields(b, "TaskResult", func(num protowire.Number, v []byte) {
		switch num {
		case 1:
			m.Status = string(v)
		case 2:
			m.Result = append([]byte(nil), v...)
		case 3:
			m.Error = string(v)
		}
	})
}

type NodeInfo struct {
	NodeID          string
	AvailableAgents []string
	Status          string
}

func (m *NodeInfo) MarshalAppend(b []byte) []byte {
	b = appendString(b, 1, m.NodeID)
	for _, a := range m.AvailableAgents {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, a)
	}
	b = appendString(b, 3, m.Status)
	return b
}

func (m *NodeInfo) Unmarshal(b []byte) error {
	*m = NodeInfo{}
	return consumeFields(b, "NodeInfo", func(num protowire.Number, v []byte) {
		switch num {
		case 1:
			m.NodeID = string(v)
		case 2:
			m.AvailableAgents = append(m.AvailableAgents, string(v))
		case 3:
			m.Status = string(v)
		}
	})
}

type NodeStatus struct {
	NodeID      string
	Status      string
	CurrentTask string
}

func (m *NodeStatus) MarshalAppend(b []byte) []byte {
	b = appendString(b, 1, m.NodeID)
	b = appendString(b, 2, m.Status)
	b = appendString(b, 3, m.CurrentTask)
	return b
}

func (m *NodeStatus) Unmarshal(b []byte) error {
	*m = NodeStatus{}
	return consumeFields(b, "NodeStatus", func(num protowire.Number, v []byte) {
		switch num {
		case 1:
			m.NodeID = string(v)
		case 2:
			m.Status = string(v)
		case 3:
			m.CurrentTask = string(v)
		}
	})
}

// Scalar fields follow proto3 rules: zero values are not written.
func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// consumeFields walks every field of b. Length-delimited fields are handed to set;
// every field of the schema is length-delimited, so other wire types are skipped
// as unknown fields.
func consumeFields(b []byte, msg string, set func(num protowire.Number, v []byte)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("decode %s: %w", msg, protowire.ParseError(n))
		}
		b = b[n:]

		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("decode %s field %d: %w", msg, num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}

		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return fmt.Errorf("decode %s field %d: %w", msg, num, protowire.ParseError(n))
		}
		set(num, v)
		b = b[n:]
	}
	return nil
}
