// Package mjpeg pushes MJPEG encoder output to a UDP peer as RTP/JPEG
// (RFC 2435).
package mjpeg

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrInvalidJPEG     = errors.New("invalid jpeg")
	ErrUnsupportedJPEG = errors.New("jpeg not representable in rtp/jpeg")
)

// MaxDimension is the largest width or height the 8-bit block fields carry.
const MaxDimension = 2040

// JPEG markers
const (
	markerSOI  = 0xD8
	markerEOI  = 0xD9
	markerSOF0 = 0xC0
	markerDHT  = 0xC4
	markerJPG  = 0xC8
	markerDAC  = 0xCC
	markerDQT  = 0xDB
	markerDRI  = 0xDD
	markerSOS  = 0xDA
)

// Frame is a baseline JPEG reduced to what RTP/JPEG transmits: the
// quantization tables, the scan and the geometry the receiver rebuilds
// the headers from.
type Frame struct {
	// Type is 0 for 4:2:2 and 1 for 4:2:0, plus 64 with restart markers.
	Type      uint8
	Width     int
	Height    int
	Tables    [][]byte
	Precision uint8 // bit i set when Tables[i] holds 16-bit entries
	Restart   uint16
	Scan      []byte
}

// ParseJPEG splits an interchange-format JPEG into a Frame. Scan and
// Tables alias data.
func ParseJPEG(data []byte) (*Frame, error) {
	if len(data) < 4 || data[0] != 0xFF || data[1] != markerSOI {
		return nil, fmt.Errorf("%w: missing SOI marker", ErrInvalidJPEG)
	}

	f := &Frame{Type: 0xFF}
	var tables [4][]byte
	var wide [4]bool

	for i := 2; ; {
		if i+1 >= len(data) {
			return nil, fmt.Errorf("%w: truncated before scan", ErrInvalidJPEG)
		}
		if data[i] != 0xFF {
			return nil, fmt.Errorf("%w: expected marker at offset %d", ErrInvalidJPEG, i)
		}
		m := data[i+1]
		if m == 0xFF {
			i++
			continue
		}
		i += 2
		if m == markerSOI || m == 0x01 || (m >= 0xD0 && m <= 0xD7) {
			continue
		}
		if m == markerEOI {
			return nil, fmt.Errorf("%w: no scan before EOI", ErrInvalidJPEG)
		}

		if i+2 > len(data) {
			return nil, fmt.Errorf("%w: truncated segment %#x", ErrInvalidJPEG, m)
		}
		n := int(binary.BigEndian.Uint16(data[i:]))
		if n < 2 || i+n > len(data) {
			return nil, fmt.Errorf("%w: segment %#x length %d overruns", ErrInvalidJPEG, m, n)
		}
		seg := data[i+2 : i+n]

		switch {
		case m == markerDQT:
			if err := parseDQT(seg, &tables, &wide); err != nil {
				return nil, err
			}
		case m == markerSOF0:
			if err := f.parseSOF(seg); err != nil {
				return nil, err
			}
		case m > markerSOF0 && m <= 0xCF && m != markerDHT && m != markerJPG && m != markerDAC:
			return nil, fmt.Errorf("%w: SOF%d is not baseline", ErrUnsupportedJPEG, m-markerSOF0)
		case m == markerDRI:
			if len(seg) < 2 {
				return nil, fmt.Errorf("%w: short DRI", ErrInvalidJPEG)
			}
			f.Restart = binary.BigEndian.Uint16(seg)
		case m == markerSOS:
			return f.finish(data[i+n:], tables, wide)
		}
		i += n
	}
}

func parseDQT(seg []byte, tables *[4][]byte, wide *[4]bool) error {
	for len(seg) > 0 {
		pq, tq := seg[0]>>4, seg[0]&0x0F
		if tq > 3 {
			return fmt.Errorf("%w: quantization table id %d", ErrInvalidJPEG, tq)
		}
		size := 64
		if pq != 0 {
			size = 128
		}
		if len(seg) < 1+size {
			return fmt.Errorf("%w: short quantization table %d", ErrInvalidJPEG, tq)
		}
		tables[tq] = seg[1 : 1+size]
		wide[tq] = pq != 0
		seg = seg[1+size:]
	}
	return nil
}

func (f *Frame) parseSOF(seg []byte) error {
	if len(seg) < 6 {
		return fmt.Errorf("%w: short SOF0", ErrInvalidJPEG)
	}
	f.Height = int(binary.BigEndian.Uint16(seg[1:]))
	f.Width = int(binary.BigEndian.Uint16(seg[3:]))
	nf := int(seg[5])
	if nf != 3 {
		return fmt.Errorf("%w: %d components", ErrUnsupportedJPEG, nf)
	}
	if len(seg) < 6+3*nf {
		return fmt.Errorf("%w: short SOF0 components", ErrInvalidJPEG)
	}
	comps := seg[6:]
	switch comps[1] {
	case 0x21:
		f.Type = 0
	case 0x22:
		f.Type = 1
	default:
		return fmt.Errorf("%w: luma sampling %#x", ErrUnsupportedJPEG, comps[1])
	}
	if comps[4] != 0x11 || comps[7] != 0x11 {
		return fmt.Errorf("%w: chroma subsampled", ErrUnsupportedJPEG)
	}
	return nil
}

func (f *Frame) finish(scan []byte, tables [4][]byte, wide [4]bool) (*Frame, error) {
	if f.Type == 0xFF {
		return nil, fmt.Errorf("%w: scan before SOF0", ErrInvalidJPEG)
	}
	if f.Width <= 0 || f.Height <= 0 || f.Width > MaxDimension || f.Height > MaxDimension {
		return nil, fmt.Errorf("%w: %dx%d", ErrUnsupportedJPEG, f.Width, f.Height)
	}
	if f.Restart > 0 {
		f.Type += 64
	}
	for id, t := range tables {
		if t == nil {
			continue
		}
		if wide[id] {
			f.Precision |= 1 << len(f.Tables)
		}
		f.Tables = append(f.Tables, t)
	}
	if len(f.Tables) == 0 {
		return nil, fmt.Errorf("%w: no quantization tables", ErrInvalidJPEG)
	}
	if k := bytes.LastIndex(scan, []byte{0xFF, markerEOI}); k >= 0 {
		scan = scan[:k]
	}
	f.Scan = scan
	return f, nil
}

// tableBytes is the length of the quantization table header payload.
func (f *Frame) tableBytes() int {
	n := 0
	for _, t := range f.Tables {
		n += len(t)
	}
	return n
}
