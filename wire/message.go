// Package wire implements the tagged-sum binary encoding and the
// length-prefixed framing shared by every hop-to-hop link in the overlay.
package wire

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/riftveil/onionmesh/protoerr"
)

// Message tags for the TorMessage sum type.
const (
	tagNotForYou uint32 = 0
	tagNextNode  uint32 = 1
	tagHandshake uint32 = 2
)

// Next tags.
const (
	tagNode   uint32 = 0
	tagServer uint32 = 1
)

// SocketAddr variant tags.
const (
	addrV4 byte = 0
	addrV6 byte = 1
)

// TorMessage is the message exchanged over a single hop link.
type TorMessage struct {
	// Kind selects which field below is populated.
	Kind TorMessageKind

	// NotForYou / NextNode payload.
	Data []byte

	// Handshake payload.
	Pubkey [32]byte
}

// TorMessageKind discriminates the TorMessage tagged sum.
type TorMessageKind uint8

const (
	KindNotForYou TorMessageKind = iota
	KindNextNode
	KindHandshake
)

// NotForYou constructs a TorMessage carrying an opaque payload that the
// receiving hop must peel or wrap one layer off/onto.
func NotForYou(data []byte) TorMessage {
	return TorMessage{Kind: KindNotForYou, Data: data}
}

// NextNodeMsg constructs a TorMessage carrying an encrypted successor
// descriptor, sent exactly once per hop during circuit build.
func NextNodeMsg(nextEncrypted []byte) TorMessage {
	return TorMessage{Kind: KindNextNode, Data: nextEncrypted}
}

// Handshake constructs a TorMessage carrying a circuit-extension public key.
func Handshake(pub [32]byte) TorMessage {
	return TorMessage{Kind: KindHandshake, Pubkey: pub}
}

// Next identifies the successor of a hop: either another relay node or the
// final destination server.
type Next struct {
	IsServer bool
	Addr     string // "ip:port"
}

// NodeNext builds a Next pointing at another relay.
func NodeNext(addr string) Next { return Next{IsServer: false, Addr: addr} }

// ServerNext builds a Next pointing at the terminal destination.
func ServerNext(addr string) Next { return Next{IsServer: true, Addr: addr} }

// Encode serializes a TorMessage using the tagged-sum binary format: tag as
// u32_le, then fields in declaration order, with []byte fields preceded by
// a u64_le length.
func (m TorMessage) Encode() []byte {
	switch m.Kind {
	case KindNotForYou:
		return encodeTagged(tagNotForYou, m.Data)
	case KindNextNode:
		return encodeTagged(tagNextNode, m.Data)
	case KindHandshake:
		buf := make([]byte, 4+32)
		binary.LittleEndian.PutUint32(buf[0:4], tagHandshake)
		copy(buf[4:], m.Pubkey[:])
		return buf
	default:
		panic(fmt.Sprintf("wire: unknown TorMessageKind %d", m.Kind))
	}
}

func encodeTagged(tag uint32, data []byte) []byte {
	buf := make([]byte, 4+8+len(data))
	binary.LittleEndian.PutUint32(buf[0:4], tag)
	binary.LittleEndian.PutUint64(buf[4:12], uint64(len(data)))
	copy(buf[12:], data)
	return buf
}

// DecodeTorMessage parses a TorMessage from its tagged-sum binary form.
func DecodeTorMessage(buf []byte) (TorMessage, error) {
	if len(buf) < 4 {
		return TorMessage{}, fmt.Errorf("wire: %w: truncated message tag", protoerr.ErrDecode)
	}
	tag := binary.LittleEndian.Uint32(buf[0:4])
	rest := buf[4:]

	switch tag {
	case tagNotForYou:
		data, err := decodeBytes(rest)
		if err != nil {
			return TorMessage{}, fmt.Errorf("wire: decode NotForYou: %w: %v", protoerr.ErrDecode, err)
		}
		return NotForYou(data), nil
	case tagNextNode:
		data, err := decodeBytes(rest)
		if err != nil {
			return TorMessage{}, fmt.Errorf("wire: decode NextNode: %w: %v", protoerr.ErrDecode, err)
		}
		return NextNodeMsg(data), nil
	case tagHandshake:
		if len(rest) != 32 {
			return TorMessage{}, fmt.Errorf("wire: %w: handshake payload length %d, want 32", protoerr.ErrDecode, len(rest))
		}
		var pub [32]byte
		copy(pub[:], rest)
		return Handshake(pub), nil
	default:
		return TorMessage{}, fmt.Errorf("wire: %w: unknown TorMessage tag %d", protoerr.ErrDecode, tag)
	}
}

func decodeBytes(buf []byte) ([]byte, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("truncated length prefix")
	}
	n := binary.LittleEndian.Uint64(buf[0:8])
	buf = buf[8:]
	if uint64(len(buf)) < n {
		return nil, fmt.Errorf("truncated payload: have %d, want %d", len(buf), n)
	}
	out := make([]byte, n)
	copy(out, buf[:n])
	return out, nil
}

// Encode serializes a Next value: tag (node=0/server=1), then the
// SocketAddr encoding (variant byte, address bytes, u16_le port).
func (n Next) Encode() ([]byte, error) {
	host, portStr, err := net.SplitHostPort(n.Addr)
	if err != nil {
		return nil, fmt.Errorf("wire: split host port %q: %w", n.Addr, err)
	}
	var port uint16
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return nil, fmt.Errorf("wire: parse port %q: %w", portStr, err)
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("wire: invalid IP %q", host)
	}

	tag := tagNode
	if n.IsServer {
		tag = tagServer
	}

	var addrBytes []byte
	var variant byte
	if v4 := ip.To4(); v4 != nil {
		variant = addrV4
		addrBytes = v4
	} else {
		variant = addrV6
		addrBytes = ip.To16()
	}

	buf := make([]byte, 4+1+len(addrBytes)+2)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], tag)
	off += 4
	buf[off] = variant
	off++
	copy(buf[off:], addrBytes)
	off += len(addrBytes)
	binary.LittleEndian.PutUint16(buf[off:], port)
	return buf, nil
}

// DecodeNext parses a Next value from its binary form.
func DecodeNext(buf []byte) (Next, error) {
	if len(buf) < 5 {
		return Next{}, fmt.Errorf("wire: %w: truncated Next", protoerr.ErrDecode)
	}
	tag := binary.LittleEndian.Uint32(buf[0:4])
	variant := buf[4]
	rest := buf[5:]

	var addrLen int
	switch variant {
	case addrV4:
		addrLen = 4
	case addrV6:
		addrLen = 16
	default:
		return Next{}, fmt.Errorf("wire: %w: unknown address variant %d", protoerr.ErrDecode, variant)
	}
	if len(rest) != addrLen+2 {
		return Next{}, fmt.Errorf("wire: %w: Next payload length %d, want %d", protoerr.ErrDecode, len(rest), addrLen+2)
	}

	ip := net.IP(rest[:addrLen])
	port := binary.LittleEndian.Uint16(rest[addrLen : addrLen+2])
	addr := net.JoinHostPort(ip.String(), fmt.Sprintf("%d", port))

	switch tag {
	case tagNode:
		return NodeNext(addr), nil
	case tagServer:
		return ServerNext(addr), nil
	default:
		return Next{}, fmt.Errorf("wire: %w: unknown Next tag %d", protoerr.ErrDecode, tag)
	}
}
