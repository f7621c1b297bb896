package ir

// Version constants for the wire protocol.
const (
	// ProtocolVersion is the wire protocol version spoken by clients and relays.
	ProtocolVersion = "1"

	// EngineVersion is the secsync engine version.
	EngineVersion = "0.1.0"
)
