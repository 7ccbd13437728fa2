package ir

// Version constants for the wire protocol and engine.
const (
	// ProtocolVersion is sent by clients and checked by the server.
	ProtocolVersion = "1"

	// EngineVersion is the lofisync engine version.
	EngineVersion = "0.1.0"
)
