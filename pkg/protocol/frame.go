package protocol

import (
	"encoding/binary"

	"github.com/core-tools/hsu-fleet/pkg/errors"
	"github.com/core-tools/hsu-fleet/pkg/logging"
)

const (
	// HeaderSize is the packet id plus the payload length
	HeaderSize = 8

	// MaxPayloadSize bounds a single frame; larger declared lengths indicate a corrupt stream
	MaxPayloadSize = 16 * 1024 * 1024
)

// Encode frames a packet as [int32 id][int32 length][payload]
func Encode(packet Packet) ([]byte, error) {
	payload := NewWriter()
	if err := packet.Encode(payload); err != nil {
		return nil, errors.NewProtocolError("failed to encode packet", err).WithContext("packet_id", packet.ID())
	}

	frame := make([]byte, HeaderSize, HeaderSize+payload.Len())
	binary.BigEndian.PutUint32(frame[0:4], uint32(packet.ID()))
	binary.BigEndian.PutUint32(frame[4:8], uint32(payload.Len()))
	return append(frame, payload.Bytes()...), nil
}

// Decoder reassembles frames from a byte stream. It is not safe for concurrent use;
// each connection owns one.
type Decoder struct {
	buf    []byte
	logger logging.Logger
}

func NewDecoder(logger logging.Logger) *Decoder {
	return &Decoder{logger: logger}
}

// Feed appends bytes read from the socket
func (d *Decoder) Feed(data []byte) {
	d.buf = append(d.buf, data...)
}

// Buffered returns the number of bytes not yet consumed
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next returns the next complete packet, or nil when more bytes are needed.
// Unknown packet ids and undecodable payloads are skipped with a warning. A
// negative or oversized length is returned as an error and the stream is unusable.
func (d *Decoder) Next() (Packet, error) {
	for {
		if len(d.buf) < HeaderSize {
			return nil, nil
		}

		id := int32(binary.BigEndian.Uint32(d.buf[0:4]))
		length := int32(binary.BigEndian.Uint32(d.buf[4:8]))
		if length < 0 || length > MaxPayloadSize {
			return nil, errors.NewProtocolError("invalid frame length", nil).
				WithContext("packet_id", id).
				WithContext("length", length)
		}

		total := HeaderSize + int(length)
		if len(d.buf) < total {
			return nil, nil
		}

		packet := NewPacket(id)
		if packet == nil {
			d.logger.Warnf("Unknown packet id 0x%02x, skipping %d bytes", id, length)
			d.consume(total)
			continue
		}

		err := packet.Decode(NewReader(d.buf[HeaderSize:total]))
		d.consume(total)
		if err != nil {
			d.logger.Warnf("Dropping malformed packet 0x%02x: %v", id, err)
			continue
		}
		return packet, nil
	}
}

func (d *Decoder) consume(n int) {
	remaining := len(d.buf) - n
	if remaining == 0 {
		d.buf = d.buf[:0]
		return
	}
	copy(d.buf, d.buf[n:])
	d.buf = d.buf[:remaining]
}
