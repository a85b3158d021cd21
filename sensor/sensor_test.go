package sensor

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"ipc-streamer/hal"
)

type ioctlCall struct {
	nr    uint8
	magic byte
	size  uintptr
	dev   uint32
}

func stubIoctl(t *testing.T, fail uint8) *[]ioctlCall {
	t.Helper()
	var calls []ioctlCall
	orig := ioctl
	ioctl = func(fd int, req uintptr, arg unsafe.Pointer) error {
		c := ioctlCall{
			nr:    uint8(req & 0xff),
			magic: byte(req >> 8 & 0xff),
			size:  req >> 16 & 0x3fff,
			dev:   *(*uint32)(arg),
		}
		calls = append(calls, c)
		if c.nr == fail {
			return errors.New("device busy")
		}
		return nil
	}
	t.Cleanup(func() { ioctl = orig })
	return &calls
}

func openTemp(t *testing.T) *Control {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hi_mipi")
	require.NoError(t, os.WriteFile(path, nil, 0o600))
	c, err := OpenControl(path, HisiMIPI)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestIOW(t *testing.T) {
	assert.Equal(t, uintptr(0x40046d07), iow('m', 0x07, 4))
}

func TestApplySequence(t *testing.T) {
	calls := stubIoctl(t, 0)
	c := openTemp(t)

	cfg := &DeviceConfig{Device: 0, Mode: InputMIPI, MIPI: MIPI{LaneID: [LaneCount]int16{0, 1, 2, 3}}}
	require.NoError(t, c.Apply(cfg))

	var nrs []uint8
	for _, call := range *calls {
		assert.Equal(t, byte('m'), call.magic)
		nrs = append(nrs, call.nr)
	}
	assert.Equal(t, []uint8{0x07, 0x05, 0x01, 0x08, 0x06}, nrs)
	assert.Equal(t, uintptr(4), (*calls)[0].size)
	assert.Equal(t, unsafe.Sizeof(comboDev{}), (*calls)[2].size)
}

func TestApplyStopsAtConfigureFailure(t *testing.T) {
	calls := stubIoctl(t, HisiMIPI.ConfigureDevice)
	c := openTemp(t)

	err := c.Apply(&DeviceConfig{Mode: InputLVDS})

	require.Error(t, err)
	assert.Len(t, *calls, 3)
}

func TestNativeLaneUnion(t *testing.T) {
	cfg := &DeviceConfig{
		Device:  1,
		Mode:    InputMIPI,
		Capture: hal.Rect{Width: 1920, Height: 1080},
		MIPI:    MIPI{DataType: 2, LaneID: [LaneCount]int16{0, 1, -1, -1}},
		LVDS:    LVDS{WDRMode: 7},
	}
	n := cfg.native()
	assert.Equal(t, uint32(1), n.devno)
	assert.Equal(t, [4]int32{0, 0, 1920, 1080}, n.rect)
	mipi := *(*MIPI)(unsafe.Pointer(&n.lanes[0]))
	assert.Equal(t, cfg.MIPI, mipi)

	cfg.Mode = InputLVDS
	n = cfg.native()
	lvds := *(*LVDS)(unsafe.Pointer(&n.lanes[0]))
	assert.Equal(t, int32(7), lvds.WDRMode)
}

func TestOpenControlMissing(t *testing.T) {
	_, err := OpenControl(filepath.Join(t.TempDir(), "absent"), HisiMIPI)
	assert.Error(t, err)
}

func TestParseInputMode(t *testing.T) {
	m, err := ParseInputMode("MIPI")
	require.NoError(t, err)
	assert.Equal(t, InputMIPI, m)
	m, err = ParseInputMode("lvds")
	require.NoError(t, err)
	assert.Equal(t, InputLVDS, m)
	_, err = ParseInputMode("usb")
	assert.Error(t, err)
}

type noLibs struct{ tried []string }

func (n *noLibs) Open(path string) (uintptr, error) {
	n.tried = append(n.tried, path)
	return 0, errors.New("no such file")
}
func (n *noLibs) Symbol(uintptr, string) (uintptr, error) { return 0, errors.New("unreachable") }
func (n *noLibs) Close(uintptr) error { return nil }

func TestLoadDriverSearchList(t *testing.T) {
	l := &noLibs{}

	_, err := LoadDriverWith(l, "libsns_imx335.so", zaptest.NewLogger(t))

	assert.True(t, errors.Is(err, hal.ErrUnavailable))
	var ue *hal.UnavailableError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, hal.ModuleSensor, ue.Kind)
	assert.Equal(t, []string{"libsns_imx335.so", "./libsns_imx335.so", "/usr/lib/libsns_imx335.so"}, l.tried)
}

type noSymbols struct{ closed int }

func (n *noSymbols) Open(string) (uintptr, error) { return 0x1000, nil }
func (n *noSymbols) Symbol(uintptr, string) (uintptr, error) { return 0, errors.New("undefined symbol") }
func (n *noSymbols) Close(uintptr) error { n.closed++; return nil }

func TestLoadDriverMissingCallback(t *testing.T) {
	l := &noSymbols{}

	_, err := LoadDriverWith(l, "libsns_imx335.so", zaptest.NewLogger(t))

	var ue *hal.UnavailableError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, registerSymbol, ue.Symbol)
	assert.Equal(t, 1, l.closed, "library is released when a callback is missing")
}

func TestDriverRegister(t *testing.T) {
	d := &Driver{register: func() int32 { return 0 }, unregister: func() int32 { return -1 }}

	require.NoError(t, d.Register())
	var ce *hal.CallError
	require.True(t, errors.As(d.Unregister(), &ce))
	assert.Equal(t, unregisterSymbol, ce.Op)
}
