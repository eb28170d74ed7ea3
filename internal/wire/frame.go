// Package wire implements the device binary frame protocol: encode/decode,
// CRC-32 integrity, and the AES-ECB/AES-CBC payload crypto described for the
// "1.0" and "L01" local protocol versions.
package wire

// Protocol tags. Values match the existing device firmware wire format and
// must not be renumbered.
const (
	ProtocolHelloRequest    = 1
	ProtocolHelloResponse   = 2
	ProtocolPingRequest     = 3
	ProtocolPingResponse    = 4
	ProtocolGeneralRequest  = 4000
	ProtocolGeneralResponse = 5000
	ProtocolRPCRequest      = 101
	ProtocolRPCResponse     = 102
	ProtocolMapResponse     = 301
)

// Magic is the fixed two-byte prefix identifying the wire.
var Magic = [2]byte{0xA5, 0x5A}

// Version tags.
const (
	VersionV1  = "1.0"
	VersionL01 = "L01"
)

// headerLen is magic(2)+version(3)+sequence(4)+random(4)+timestamp(4)+protocol(2)+payload_len(2).
const headerLen = 2 + 3 + 4 + 4 + 4 + 2 + 2
const crcLen = 4

// Frame is a single wire unit as described in the data model.
type Frame struct {
	Protocol   int
	Sequence   uint32
	Random     uint32
	Timestamp  uint32
	Version    string // 3-byte ASCII, e.g. "1.0" or "L01"
	Payload    []byte
}

// IsHandshake reports whether this frame carries no payload crypto (HELLO/PING).
func (f Frame) IsHandshake() bool {
	switch f.Protocol {
	case ProtocolHelloRequest, ProtocolHelloResponse, ProtocolPingRequest, ProtocolPingResponse:
		return true
	default:
		return false
	}
}
