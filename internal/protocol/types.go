// Package protocol defines the signed wire protocol for the aronia fabric.
package protocol

// Version is the wire protocol version carried in every frame.
const Version uint8 = 1

// Frame type constants
const (
	FrameControl    uint8 = 0x01 // Heartbeats and capability exchange
	FrameRequest    uint8 = 0x02 // RPC request
	FrameResponse   uint8 = 0x03 // RPC response
	FrameEvent      uint8 = 0x04 // Fire-and-forget application event
	FrameStreamData uint8 = 0x05 // Reserved: stream chunk
	FrameStreamEnd  uint8 = 0x06 // Reserved: stream end
	FrameIntroduce  uint8 = 0x07 // Trust delegation record
)

// Frame flags. The core sends all flags as zero; unknown bits received
// from a peer are preserved and passed through.
const (
	FlagEncrypted  uint16 = 0x0001
	FlagCompressed uint16 = 0x0002
	FlagUrgent     uint16 = 0x0004
)

// Wire layout sizes
const (
	// HeaderSize is the fixed frame header:
	// length(4) + version(1) + type(1) + flags(2) + reserved(4) + timestamp(8) + sender(32).
	HeaderSize = 52

	// SignatureSize is the trailing Ed25519 signature.
	SignatureSize = 64

	// MinFrameSize is a header plus signature with an empty payload.
	MinFrameSize = HeaderSize + SignatureSize

	// MaxFrameSize bounds what the reader will accept from the wire.
	MaxFrameSize = 16 << 20
)

// Control payload types
const (
	ControlHeartbeat    = "heartbeat"
	ControlCapabilities = "capabilities"
	ControlGoodbye      = "goodbye"
)

// Response error codes
const (
	ErrCodeMethodNotFound = "method-not-found"
	ErrCodeHandlerError   = "handler-error"
)

// FrameTypeName returns a human-readable name for a frame type.
func FrameTypeName(frameType uint8) string {
	switch frameType {
	case FrameControl:
		return "CONTROL"
	case FrameRequest:
		return "REQUEST"
	case FrameResponse:
		return "RESPONSE"
	case FrameEvent:
		return "EVENT"
	case FrameStreamData:
		return "STREAM_DATA"
	case FrameStreamEnd:
		return "STREAM_END"
	case FrameIntroduce:
		return "INTRODUCE"
	default:
		return "UNKNOWN"
	}
}
