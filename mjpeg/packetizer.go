package mjpeg

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
)

const (
	// PayloadTypeJPEG is the static RTP payload type of RFC 2435.
	PayloadTypeJPEG = 26
	// ClockRate is the RTP timestamp rate for video.
	ClockRate = 90000
	// DefaultMTU leaves room for IP and UDP headers on Ethernet.
	DefaultMTU = 1400

	rtpHeaderSize     = 12
	jpegHeaderSize    = 8
	restartHeaderSize = 4
	qtHeaderSize      = 4

	// qDynamic tells the receiver the tables travel in-band.
	qDynamic = 255
)

// Packetizer fragments frames into RTP/JPEG packets. Sequence numbers
// continue across frames.
type Packetizer struct {
	ssrc uint32
	mtu  int

	mu  sync.Mutex
	seq uint16

	packets atomic.Uint64
	bytes   atomic.Uint64
	frames  atomic.Uint64
}

// PacketizerStats holds statistics about RTP packetization
type PacketizerStats struct {
	Packets uint64
	Bytes   uint64
	Frames  uint64
}

// NewPacketizer creates a packetizer. A non-positive mtu selects DefaultMTU.
func NewPacketizer(ssrc uint32, mtu int) *Packetizer {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	return &Packetizer{ssrc: ssrc, mtu: mtu}
}

// Packetize returns the marshalled packets of one frame. The last packet
// carries the marker bit; the first carries the quantization tables.
func (p *Packetizer) Packetize(f *Frame, timestamp uint32) ([][]byte, error) {
	if len(f.Scan) == 0 {
		return nil, fmt.Errorf("%w: empty scan", ErrInvalidJPEG)
	}

	fixed := rtpHeaderSize + jpegHeaderSize
	if f.Restart > 0 {
		fixed += restartHeaderSize
	}
	qt := qtHeaderSize + f.tableBytes()
	if p.mtu-fixed-qt <= 0 {
		return nil, fmt.Errorf("mtu %d too small for %d bytes of headers", p.mtu, fixed+qt)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var packets [][]byte
	for offset := 0; offset < len(f.Scan); {
		room := p.mtu - fixed
		if offset == 0 {
			room -= qt
		}
		end := min(offset+room, len(f.Scan))

		pkt := rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         end == len(f.Scan),
				PayloadType:    PayloadTypeJPEG,
				SequenceNumber: p.seq,
				Timestamp:      timestamp,
				SSRC:           p.ssrc,
			},
			Payload: f.payload(offset, end),
		}
		raw, err := pkt.Marshal()
		if err != nil {
			return nil, fmt.Errorf("failed to marshal rtp packet: %w", err)
		}
		packets = append(packets, raw)
		p.seq++
		offset = end
	}

	p.packets.Add(uint64(len(packets)))
	p.bytes.Add(uint64(len(f.Scan)))
	p.frames.Add(1)
	return packets, nil
}

// payload builds the JPEG-specific part of one packet carrying
// Scan[offset:end].
func (f *Frame) payload(offset, end int) []byte {
	n := jpegHeaderSize + end - offset
	if f.Restart > 0 {
		n += restartHeaderSize
	}
	if offset == 0 {
		n += qtHeaderSize + f.tableBytes()
	}
	b := make([]byte, 0, n)

	b = append(b, 0, byte(offset>>16), byte(offset>>8), byte(offset),
		f.Type, qDynamic, byte((f.Width+7)/8), byte((f.Height+7)/8))
	if f.Restart > 0 {
		// F=L=1 and count 0x3FFF: decode only after reassembly.
		b = binary.BigEndian.AppendUint16(b, f.Restart)
		b = binary.BigEndian.AppendUint16(b, 0xFFFF)
	}
	if offset == 0 {
		b = append(b, 0, f.Precision)
		b = binary.BigEndian.AppendUint16(b, uint16(f.tableBytes()))
		for _, t := range f.Tables {
			b = append(b, t...)
		}
	}
	return append(b, f.Scan[offset:end]...)
}

// Sequence returns the next sequence number.
func (p *Packetizer) Sequence() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seq
}

// GetStats returns packetizer statistics
func (p *Packetizer) GetStats() PacketizerStats {
	return PacketizerStats{
		Packets: p.packets.Load(),
		Bytes:   p.bytes.Load(),
		Frames:  p.frames.Load(),
	}
}
