// Package protocol implements the SigmaSockets binary wire envelope: a
// tagged union of frame variants encoded as length-delimited binary fields.
// The codec operates on a single self-contained buffer — the WebSocket
// layer above it already supplies message framing — and never streams
// across frame boundaries.
package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/valyala/bytebufferpool"
)

// Variant tags the frame's concrete type. The enumeration is closed: a tag
// outside this set is rejected rather than silently passed through, per the
// "no open inheritance hierarchies" design note — every new variant is a
// schema change here, not a runtime extension point.
type Variant uint8

const (
	VariantConnect Variant = 1 + iota
	VariantDisconnect
	VariantData
	VariantHeartbeat
	VariantReconnect
	VariantError
)

func (v Variant) String() string {
	switch v {
	case VariantConnect:
		return "Connect"
	case VariantDisconnect:
		return "Disconnect"
	case VariantData:
		return "Data"
	case VariantHeartbeat:
		return "Heartbeat"
	case VariantReconnect:
		return "Reconnect"
	case VariantError:
		return "Error"
	default:
		return fmt.Sprintf("Variant(%d)", uint8(v))
	}
}

// Frame is the tagged-union marker interface implemented by every wire
// variant. Switch exhaustively on Variant() rather than type-asserting on
// concrete types scattered through the codebase.
type Frame interface {
	Variant() Variant
}

// ConnectFrame opens a brand new session.
type ConnectFrame struct {
	SessionID     string
	ClientVersion string
}

func (ConnectFrame) Variant() Variant { return VariantConnect }

// ReconnectFrame resumes an existing (possibly detached) session.
type ReconnectFrame struct {
	SessionID     string
	LastMessageID uint64
}

func (ReconnectFrame) Variant() Variant { return VariantReconnect }

// DisconnectFrame signals an orderly close. Reason is optional.
type DisconnectFrame struct {
	HasReason bool
	Reason    string
}

func (DisconnectFrame) Variant() Variant { return VariantDisconnect }

// DataFrame carries one application payload with a sender-assigned,
// strictly increasing message ID.
type DataFrame struct {
	Payload   []byte
	MessageID uint64
	Timestamp uint64
}

func (DataFrame) Variant() Variant { return VariantData }

// HeartbeatFrame is a ping/pong carrier; Timestamp is the sender's clock at
// send time, echoed back by the receiver so RTT can be derived.
type HeartbeatFrame struct {
	Timestamp uint64
}

func (HeartbeatFrame) Variant() Variant { return VariantHeartbeat }

// ErrorFrame carries a numeric code and a short human-readable message.
// Never a stack trace — nothing server-internal crosses the wire.
type ErrorFrame struct {
	Code    uint32
	Message string
}

func (ErrorFrame) Variant() Variant { return VariantError }

// DecodeErrorKind classifies why Decode failed.
type DecodeErrorKind int

const (
	TruncatedHeader DecodeErrorKind = iota
	UnknownVariantTag
	OutOfRangeField
	PayloadOversize
)

func (k DecodeErrorKind) String() string {
	switch k {
	case TruncatedHeader:
		return "TruncatedHeader"
	case UnknownVariantTag:
		return "UnknownVariantTag"
	case OutOfRangeField:
		return "OutOfRangeField"
	case PayloadOversize:
		return "PayloadOversize"
	default:
		return "Unknown"
	}
}

// DecodeError reports a malformed frame. Callers should drop the frame and
// continue; it is never fatal to the connection on its own (see C2/C7).
type DecodeError struct {
	Kind   DecodeErrorKind
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return "decode: " + e.Kind.String()
	}
	return fmt.Sprintf("decode: %s: %s", e.Kind, e.Detail)
}

// maxSanityLength bounds any single length-prefixed field the codec will
// allocate for, independent of the stricter business limits the validator
// (C2) enforces afterward. It exists purely so a forged length prefix can't
// make Decode allocate unbounded memory before validation ever runs.
const maxSanityLength = 1 << 20 // 1 MiB

var bufPool bytebufferpool.Pool

// Encode serializes f into a freshly allocated byte slice. Encoding is
// deterministic: the same value always produces the same bytes.
func Encode(f Frame) ([]byte, error) {
	bb := bufPool.Get()
	defer bufPool.Put(bb)
	bb.Reset()

	bb.B = append(bb.B, byte(f.Variant()))

	switch v := f.(type) {
	case ConnectFrame:
		writeString(bb, v.SessionID)
		writeString(bb, v.ClientVersion)
	case ReconnectFrame:
		writeString(bb, v.SessionID)
		writeU64(bb, v.LastMessageID)
	case DisconnectFrame:
		if v.HasReason {
			bb.B = append(bb.B, 1)
			writeString(bb, v.Reason)
		} else {
			bb.B = append(bb.B, 0)
		}
	case DataFrame:
		writeBytes(bb, v.Payload)
		writeU64(bb, v.MessageID)
		writeU64(bb, v.Timestamp)
	case HeartbeatFrame:
		writeU64(bb, v.Timestamp)
	case ErrorFrame:
		writeU32(bb, v.Code)
		writeString(bb, v.Message)
	default:
		return nil, fmt.Errorf("protocol: encode: unsupported frame type %T", f)
	}

	out := make([]byte, len(bb.B))
	copy(out, bb.B)
	return out, nil
}

// Decode parses a single self-contained buffer into its Frame. It returns a
// *DecodeError (never a generic error) on any malformed input so callers
// can switch on Kind.
func Decode(data []byte) (Frame, error) {
	if len(data) < 1 {
		return nil, &DecodeError{Kind: TruncatedHeader, Detail: "empty frame"}
	}
	tag := Variant(data[0])
	rest := data[1:]

	switch tag {
	case VariantConnect:
		sessionID, rest, err := readString(rest)
		if err != nil {
			return nil, err
		}
		clientVersion, rest, err := readString(rest)
		if err != nil {
			return nil, err
		}
		if len(rest) != 0 {
			return nil, &DecodeError{Kind: OutOfRangeField, Detail: "trailing bytes after Connect"}
		}
		return ConnectFrame{SessionID: sessionID, ClientVersion: clientVersion}, nil

	case VariantReconnect:
		sessionID, rest, err := readString(rest)
		if err != nil {
			return nil, err
		}
		lastID, rest, err := readU64(rest)
		if err != nil {
			return nil, err
		}
		if len(rest) != 0 {
			return nil, &DecodeError{Kind: OutOfRangeField, Detail: "trailing bytes after Reconnect"}
		}
		return ReconnectFrame{SessionID: sessionID, LastMessageID: lastID}, nil

	case VariantDisconnect:
		if len(rest) < 1 {
			return nil, &DecodeError{Kind: TruncatedHeader, Detail: "missing Disconnect reason flag"}
		}
		has := rest[0] != 0
		rest = rest[1:]
		if !has {
			if len(rest) != 0 {
				return nil, &DecodeError{Kind: OutOfRangeField, Detail: "trailing bytes after Disconnect"}
			}
			return DisconnectFrame{}, nil
		}
		reason, rest, err := readString(rest)
		if err != nil {
			return nil, err
		}
		if len(rest) != 0 {
			return nil, &DecodeError{Kind: OutOfRangeField, Detail: "trailing bytes after Disconnect"}
		}
		return DisconnectFrame{HasReason: true, Reason: reason}, nil

	case VariantData:
		payload, rest, err := readBytes(rest)
		if err != nil {
			return nil, err
		}
		msgID, rest, err := readU64(rest)
		if err != nil {
			return nil, err
		}
		ts, rest, err := readU64(rest)
		if err != nil {
			return nil, err
		}
		if len(rest) != 0 {
			return nil, &DecodeError{Kind: OutOfRangeField, Detail: "trailing bytes after Data"}
		}
		return DataFrame{Payload: payload, MessageID: msgID, Timestamp: ts}, nil

	case VariantHeartbeat:
		ts, rest, err := readU64(rest)
		if err != nil {
			return nil, err
		}
		if len(rest) != 0 {
			return nil, &DecodeError{Kind: OutOfRangeField, Detail: "trailing bytes after Heartbeat"}
		}
		return HeartbeatFrame{Timestamp: ts}, nil

	case VariantError:
		code, rest, err := readU32(rest)
		if err != nil {
			return nil, err
		}
		msg, rest, err := readString(rest)
		if err != nil {
			return nil, err
		}
		if len(rest) != 0 {
			return nil, &DecodeError{Kind: OutOfRangeField, Detail: "trailing bytes after Error"}
		}
		return ErrorFrame{Code: code, Message: msg}, nil

	default:
		return nil, &DecodeError{Kind: UnknownVariantTag, Detail: fmt.Sprintf("tag %d", tag)}
	}
}

func writeString(bb *bytebufferpool.ByteBuffer, s string) {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(s)))
	bb.B = append(bb.B, lenBuf[:]...)
	bb.B = append(bb.B, s...)
}

func writeBytes(bb *bytebufferpool.ByteBuffer, b []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	bb.B = append(bb.B, lenBuf[:]...)
	bb.B = append(bb.B, b...)
}

func writeU64(bb *bytebufferpool.ByteBuffer, v uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	bb.B = append(bb.B, buf[:]...)
}

func writeU32(bb *bytebufferpool.ByteBuffer, v uint32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	bb.B = append(bb.B, buf[:]...)
}

func readString(b []byte) (string, []byte, error) {
	if len(b) < 2 {
		return "", nil, &DecodeError{Kind: TruncatedHeader, Detail: "string length prefix"}
	}
	n := int(binary.BigEndian.Uint16(b[:2]))
	b = b[2:]
	if n > len(b) {
		return "", nil, &DecodeError{Kind: TruncatedHeader, Detail: "string body"}
	}
	return string(b[:n]), b[n:], nil
}

func readBytes(b []byte) ([]byte, []byte, error) {
	if len(b) < 4 {
		return nil, nil, &DecodeError{Kind: TruncatedHeader, Detail: "bytes length prefix"}
	}
	n64 := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	if n64 > maxSanityLength {
		return nil, nil, &DecodeError{Kind: PayloadOversize, Detail: fmt.Sprintf("%d bytes", n64)}
	}
	n := int(n64)
	if n > len(b) {
		return nil, nil, &DecodeError{Kind: TruncatedHeader, Detail: "bytes body"}
	}
	out := make([]byte, n)
	copy(out, b[:n])
	return out, b[n:], nil
}

func readU64(b []byte) (uint64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, &DecodeError{Kind: TruncatedHeader, Detail: "u64"}
	}
	return binary.BigEndian.Uint64(b[:8]), b[8:], nil
}

func readU32(b []byte) (uint32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, &DecodeError{Kind: TruncatedHeader, Detail: "u32"}
	}
	return binary.BigEndian.Uint32(b[:4]), b[4:], nil
}
