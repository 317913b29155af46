// Package wire owns the byte-level representation of protocol envelopes:
// protobuf serialization, the streaming frame header, and the flag bits the
// two ends use to negotiate a full state resync.
package wire

import (
	"errors"
	"fmt"

	"github.com/open-telemetry/opamp-go/protobufs"
	"google.golang.org/protobuf/proto"
)

var ErrMalformed = errors.New("malformed envelope")

func MarshalAgentToServer(msg *protobufs.AgentToServer) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil agent envelope", ErrMalformed)
	}
	data, err := proto.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshaling agent envelope: %w", err)
	}
	return data, nil
}

func UnmarshalServerToAgent(data []byte) (*protobufs.ServerToAgent, error) {
	var msg protobufs.ServerToAgent
	if err := proto.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &msg, nil
}

func MarshalServerToAgent(msg *protobufs.ServerToAgent) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil server envelope", ErrMalformed)
	}
	data, err := proto.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshaling server envelope: %w", err)
	}
	return data, nil
}

func UnmarshalAgentToServer(data []byte) (*protobufs.AgentToServer, error) {
	var msg protobufs.AgentToServer
	if err := proto.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &msg, nil
}
