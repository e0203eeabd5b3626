package probe

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// Wire layout of a probe datagram, all fields big endian:
//
//	0   2  magic 0x4554 ("ET")
//	2   1  version
//	3   6  sender hardware address
//	9   2  sequence number
//	11  2  neighbor entry count N
//	13  N*8  entries: 6 bytes neighbor MAC, 2 bytes reception count
//
// The layout is the interoperability contract between nodes; nothing
// here may change without a version bump.
const (
	Magic   = 0x4554
	Version = 1

	HeaderSize = 13
	EntrySize  = 8
	AddrSize   = 6

	// MaxCount caps a piggybacked reception count at the wire field width.
	MaxCount = 1<<16 - 1
)

var (
	// ErrMalformedPacket indicates a structurally broken probe datagram.
	ErrMalformedPacket = errors.New("malformed probe packet")
)

// NeighborEntry reports how many probes the sender received from one of
// its neighbors during its own window.
type NeighborEntry struct {
	Addr  net.HardwareAddr
	Count int
}

// Message is one probe as it travels on the wire.
type Message struct {
	Sender    net.HardwareAddr
	Seq       uint16
	Neighbors []NeighborEntry
}

// Encode serializes the message into a fresh byte slice.
func Encode(m Message) ([]byte, error) {
	if len(m.Sender) != AddrSize {
		return nil, fmt.Errorf("sender address must be %d bytes, got %d", AddrSize, len(m.Sender))
	}
	buf := make([]byte, HeaderSize+len(m.Neighbors)*EntrySize)
	binary.BigEndian.PutUint16(buf[0:2], Magic)
	buf[2] = Version
	copy(buf[3:9], m.Sender)
	binary.BigEndian.PutUint16(buf[9:11], m.Seq)
	binary.BigEndian.PutUint16(buf[11:13], uint16(len(m.Neighbors)))
	off := HeaderSize
	for _, entry := range m.Neighbors {
		if len(entry.Addr) != AddrSize {
			return nil, fmt.Errorf("neighbor address must be %d bytes, got %d", AddrSize, len(entry.Addr))
		}
		count := entry.Count
		if count < 0 {
			count = 0
		}
		if count > MaxCount {
			count = MaxCount
		}
		copy(buf[off:off+AddrSize], entry.Addr)
		binary.BigEndian.PutUint16(buf[off+AddrSize:off+EntrySize], uint16(count))
		off += EntrySize
	}
	return buf, nil
}

// Decode parses a probe datagram. Structural problems yield an error
// wrapping ErrMalformedPacket; a packet with zero neighbor entries is
// well formed.
func Decode(data []byte) (Message, error) {
	if len(data) < HeaderSize {
		return Message{}, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedPacket, len(data), HeaderSize)
	}
	if magic := binary.BigEndian.Uint16(data[0:2]); magic != Magic {
		return Message{}, fmt.Errorf("%w: bad magic 0x%04x", ErrMalformedPacket, magic)
	}
	if data[2] != Version {
		return Message{}, fmt.Errorf("%w: unknown version %d", ErrMalformedPacket, data[2])
	}
	count := int(binary.BigEndian.Uint16(data[11:13]))
	if len(data) != HeaderSize+count*EntrySize {
		return Message{}, fmt.Errorf("%w: %d entries declared but %d body bytes present",
			ErrMalformedPacket, count, len(data)-HeaderSize)
	}
	m := Message{
		Sender: append(net.HardwareAddr(nil), data[3:9]...),
		Seq:    binary.BigEndian.Uint16(data[9:11]),
	}
	if count > 0 {
		m.Neighbors = make([]NeighborEntry, 0, count)
	}
	off := HeaderSize
	for i := 0; i < count; i++ {
		m.Neighbors = append(m.Neighbors, NeighborEntry{
			Addr:  append(net.HardwareAddr(nil), data[off:off+AddrSize]...),
			Count: int(binary.BigEndian.Uint16(data[off+AddrSize : off+EntrySize])),
		})
		off += EntrySize
	}
	return m, nil
}

// Equal reports whether two messages carry identical wire content.
func (m Message) Equal(other Message) bool {
	if !bytes.Equal(m.Sender, other.Sender) || m.Seq != other.Seq || len(m.Neighbors) != len(other.Neighbors) {
		return false
	}
	for i := range m.Neighbors {
		if !bytes.Equal(m.Neighbors[i].Addr, other.Neighbors[i].Addr) ||
			m.Neighbors[i].Count != other.Neighbors[i].Count {
			return false
		}
	}
	return true
}
