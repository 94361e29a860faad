package proto

import (
	"encoding/binary"
	"fmt"
)

// sizePrefixWidth is sizeof(usize) on a 64-bit target, per spec.md §4.3.
const sizePrefixWidth = 8

// Message is any control-protocol payload that can appear on the wire.
type Message interface {
	Kind() Kind
	encode() Element
}

// Encode produces size-prefix || kind || payload for msg.
func Encode(msg Message) []byte {
	payload := []byte(msg.encode().Render())
	body := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(body[0:2], uint16(msg.Kind()))
	copy(body[2:], payload)

	out := make([]byte, sizePrefixWidth+len(body))
	binary.BigEndian.PutUint64(out[0:sizePrefixWidth], uint64(len(body)))
	copy(out[sizePrefixWidth:], body)
	return out
}

// Decode parses a single message body (kind + payload, the bytes after the
// size prefix) into the concrete Go type for its kind. The caller compares
// the returned Kind against what it expected; a mismatch or malformed
// payload is reported as an error rather than a generic "not found" so
// protocol-violation handling (spec.md §7) can log the reason before
// kicking the client.
func Decode(body []byte) (Message, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("proto: body too short for kind: %d bytes", len(body))
	}
	kind := Kind(binary.BigEndian.Uint16(body[0:2]))
	payload := body[2:]

	var root Element
	var err error
	if len(payload) > 0 {
		root, err = parseRoot(payload)
		if err != nil {
			return nil, fmt.Errorf("proto: decode %s: %w", kind, err)
		}
	}

	switch kind {
	case KindConnectionNotification:
		return decodeConnectionNotification(root), nil
	case KindClientIDRequest:
		return ClientIDRequest{}, nil
	case KindClientIDResponse:
		return decodeClientIDResponse(root), nil
	case KindDataSocketRequest:
		return decodeDataSocketRequest(root), nil
	case KindDataSocketResponse:
		return decodeDataSocketResponse(root), nil
	case KindSessionListRequest:
		return SessionListRequest{}, nil
	case KindSessionListResponse:
		return decodeSessionListResponse(root), nil
	case KindMakeSessionRequest:
		return decodeMakeSessionRequest(root), nil
	case KindMakeSessionResponse:
		return decodeMakeSessionResponse(root), nil
	case KindAttachRequest:
		return decodeAttachRequest(root), nil
	case KindAttachResponse:
		return decodeAttachResponse(root), nil
	case KindDetachRequest:
		return decodeDetachRequest(root), nil
	case KindDetachResponse:
		return DetachResponse{}, nil
	case KindDetachedNotification:
		return decodeDetachedNotification(root), nil
	case KindSignalRequest:
		return decodeSignalRequest(root), nil
	case KindRedrawNotification:
		return decodeRedrawNotification(root), nil
	case KindStatisticsRequest:
		return StatisticsRequest{}, nil
	case KindStatisticsResponse:
		return decodeStatisticsResponse(root), nil
	default:
		return nil, fmt.Errorf("proto: unknown message kind %d", uint16(kind))
	}
}

// DecodeAs decodes body and type-asserts it to T, returning an error (not a
// panic) on a kind mismatch — the Go shape of spec.md's "decode<T> returns
// None if the kind byte does not match".
func DecodeAs[T Message](body []byte) (T, error) {
	var zero T
	msg, err := Decode(body)
	if err != nil {
		return zero, err
	}
	typed, ok := msg.(T)
	if !ok {
		return zero, fmt.Errorf("proto: expected kind %s, got %s", zero.Kind(), msg.Kind())
	}
	return typed, nil
}

// FrameReader accumulates bytes fed from a non-blocking BufferedChannel
// read and extracts complete [size][kind][payload] frames, buffering any
// partial trailing frame for the next Feed call.
type FrameReader struct {
	buf []byte
}

// Feed appends newly read bytes to the accumulator.
func (f *FrameReader) Feed(b []byte) {
	f.buf = append(f.buf, b...)
}

// Next extracts and removes the next complete frame's body (kind+payload),
// or reports ok=false if the buffer doesn't yet hold a full frame.
func (f *FrameReader) Next() (body []byte, ok bool, err error) {
	if len(f.buf) < sizePrefixWidth {
		return nil, false, nil
	}
	size := binary.BigEndian.Uint64(f.buf[0:sizePrefixWidth])
	const maxFrame = 16 * 1024 * 1024
	if size > maxFrame {
		return nil, false, fmt.Errorf("proto: frame too large: %d bytes", size)
	}
	total := sizePrefixWidth + int(size)
	if len(f.buf) < total {
		return nil, false, nil
	}

	body = make([]byte, size)
	copy(body, f.buf[sizePrefixWidth:total])
	f.buf = append(f.buf[:0], f.buf[total:]...)
	return body, true, nil
}
