package mjpeg

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

type jpegOpts struct {
	width, height int
	sof           byte // defaults to SOF0
	sampling      byte // luma sampling, defaults to 4:2:0
	gray          bool
	restart       uint16
	wideChroma    bool
	scan          []byte
}

func segment(b *bytes.Buffer, marker byte, body []byte) {
	b.Write([]byte{0xFF, marker})
	binary.Write(b, binary.BigEndian, uint16(len(body)+2))
	b.Write(body)
}

func table(n int, start byte) []byte {
	t := make([]byte, n)
	for i := range t {
		t[i] = start + byte(i)
	}
	return t
}

// buildJPEG assembles a syntactically valid interchange JPEG around an
// arbitrary scan.
func buildJPEG(o jpegOpts) []byte {
	if o.width == 0 {
		o.width, o.height = 640, 480
	}
	if o.sof == 0 {
		o.sof = 0xC0
	}
	if o.sampling == 0 {
		o.sampling = 0x22
	}
	if o.scan == nil {
		o.scan = []byte{0x12, 0xFF, 0x00, 0x34, 0x56}
	}

	var b bytes.Buffer
	b.Write([]byte{0xFF, 0xD8})
	segment(&b, 0xE0, []byte("JFIF\x00\x01\x01\x00\x00\x01\x00\x01\x00\x00"))

	dqt := append([]byte{0x00}, table(64, 1)...)
	if o.wideChroma {
		dqt = append(append(dqt, 0x11), table(128, 2)...)
	} else {
		dqt = append(append(dqt, 0x01), table(64, 2)...)
	}
	segment(&b, 0xDB, dqt)

	if o.restart > 0 {
		segment(&b, 0xDD, binary.BigEndian.AppendUint16(nil, o.restart))
	}

	sof := []byte{8}
	sof = binary.BigEndian.AppendUint16(sof, uint16(o.height))
	sof = binary.BigEndian.AppendUint16(sof, uint16(o.width))
	sos := []byte{}
	if o.gray {
		sof = append(sof, 1, 1, 0x11, 0)
		sos = append(sos, 1, 1, 0x00)
	} else {
		sof = append(sof, 3, 1, o.sampling, 0, 2, 0x11, 1, 3, 0x11, 1)
		sos = append(sos, 3, 1, 0x00, 2, 0x11, 3, 0x11)
	}
	segment(&b, o.sof, sof)
	segment(&b, 0xC4, append([]byte{0x00}, make([]byte, 16)...))
	segment(&b, 0xDA, append(sos, 0, 63, 0))

	b.Write(o.scan)
	b.Write([]byte{0xFF, 0xD9})
	return b.Bytes()
}

func TestParseJPEG420(t *testing.T) {
	f, err := ParseJPEG(buildJPEG(jpegOpts{}))
	if err != nil {
		t.Fatalf("ParseJPEG failed: %v", err)
	}

	if f.Type != 1 {
		t.Errorf("Type = %d, want 1", f.Type)
	}
	if f.Width != 640 || f.Height != 480 {
		t.Errorf("size = %dx%d, want 640x480", f.Width, f.Height)
	}
	if len(f.Tables) != 2 || len(f.Tables[0]) != 64 || len(f.Tables[1]) != 64 {
		t.Fatalf("unexpected tables %v", f.Tables)
	}
	if f.Tables[0][0] != 1 || f.Tables[1][0] != 2 {
		t.Error("tables out of id order")
	}
	if f.Precision != 0 {
		t.Errorf("Precision = %#x, want 0", f.Precision)
	}
	if !bytes.Equal(f.Scan, []byte{0x12, 0xFF, 0x00, 0x34, 0x56}) {
		t.Errorf("Scan = %x", f.Scan)
	}
}

func TestParseJPEG422(t *testing.T) {
	f, err := ParseJPEG(buildJPEG(jpegOpts{sampling: 0x21}))
	if err != nil {
		t.Fatalf("ParseJPEG failed: %v", err)
	}
	if f.Type != 0 {
		t.Errorf("Type = %d, want 0", f.Type)
	}
}

func TestParseJPEGRestart(t *testing.T) {
	f, err := ParseJPEG(buildJPEG(jpegOpts{restart: 8}))
	if err != nil {
		t.Fatalf("ParseJPEG failed: %v", err)
	}
	if f.Type != 65 || f.Restart != 8 {
		t.Errorf("Type = %d, Restart = %d, want 65 and 8", f.Type, f.Restart)
	}
}

func TestParseJPEGWideTable(t *testing.T) {
	f, err := ParseJPEG(buildJPEG(jpegOpts{wideChroma: true}))
	if err != nil {
		t.Fatalf("ParseJPEG failed: %v", err)
	}
	if f.Precision != 0x02 {
		t.Errorf("Precision = %#x, want 0x02", f.Precision)
	}
	if f.tableBytes() != 64+128 {
		t.Errorf("tableBytes = %d, want 192", f.tableBytes())
	}
}

func TestParseJPEGErrors(t *testing.T) {
	valid := buildJPEG(jpegOpts{})

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{name: "empty", data: nil, want: ErrInvalidJPEG},
		{name: "missing SOI", data: valid[2:], want: ErrInvalidJPEG},
		{name: "truncated", data: valid[:30], want: ErrInvalidJPEG},
		{name: "no scan", data: []byte{0xFF, 0xD8, 0xFF, 0xD9}, want: ErrInvalidJPEG},
		{name: "progressive", data: buildJPEG(jpegOpts{sof: 0xC2}), want: ErrUnsupportedJPEG},
		{name: "grayscale", data: buildJPEG(jpegOpts{gray: true}), want: ErrUnsupportedJPEG},
		{name: "4:4:4", data: buildJPEG(jpegOpts{sampling: 0x11}), want: ErrUnsupportedJPEG},
		{name: "too wide", data: buildJPEG(jpegOpts{width: 2560, height: 1440}), want: ErrUnsupportedJPEG},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseJPEG(tt.data)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}
