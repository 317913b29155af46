package wire

import "github.com/open-telemetry/opamp-go/protobufs"

// The high flag bit is outside the range the standard enums define. The agent
// sets it while its view of the session is stale to ask for a full resync,
// and a server sets it on the envelope that carries the full state.
const (
	AgentFlagRequestFullState uint64 = 1 << 63
	ServerFlagFullState       uint64 = 1 << 63
)

// ServerRequestsFullReport reports whether the server asked the agent to
// resend its complete status in the next envelope.
func ServerRequestsFullReport(msg *protobufs.ServerToAgent) bool {
	return msg.GetFlags()&uint64(protobufs.ServerToAgentFlags_ServerToAgentFlags_ReportFullState) != 0
}

// ServerCarriesFullState reports whether this envelope is the server's answer
// to a full resync request.
func ServerCarriesFullState(msg *protobufs.ServerToAgent) bool {
	return msg.GetFlags()&ServerFlagFullState != 0
}

func AgentRequestsNewInstanceUid(msg *protobufs.AgentToServer) bool {
	return msg.GetFlags()&uint64(protobufs.AgentToServerFlags_AgentToServerFlags_RequestInstanceUid) != 0
}

func AgentRequestsFullState(msg *protobufs.AgentToServer) bool {
	return msg.GetFlags()&AgentFlagRequestFullState != 0
}
