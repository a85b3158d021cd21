package sensor

import (
	"fmt"
	"strings"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"ipc-streamer/hal"
)

// settleDelay is the pause between configuring the device and releasing
// its reset lines.
const settleDelay = 10 * time.Millisecond

// Commands is the ioctl command set of a sensor control device.
type Commands struct {
	Magic            byte
	ConfigureDevice  uint8
	ResetSensor      uint8
	UnresetSensor    uint8
	ResetInterface   uint8
	UnresetInterface uint8
}

// HisiMIPI is the command set of /dev/hi_mipi.
var HisiMIPI = Commands{
	Magic:            'm',
	ConfigureDevice:  0x01,
	ResetSensor:      0x05,
	UnresetSensor:    0x06,
	ResetInterface:   0x07,
	UnresetInterface: 0x08,
}

// InputMode is the physical sensor interface.
type InputMode int32

const (
	InputMIPI InputMode = iota
	InputSubLVDS
	InputLVDS
	InputHiSPI
	InputCMOS
	InputBT601
	InputBT656
	InputBT1120
	InputBypass
)

var inputModes = map[string]InputMode{
	"mipi":    InputMIPI,
	"sublvds": InputSubLVDS,
	"lvds":    InputLVDS,
	"hispi":   InputHiSPI,
	"cmos":    InputCMOS,
	"bt601":   InputBT601,
	"bt656":   InputBT656,
	"bt1120":  InputBT1120,
	"bypass":  InputBypass,
}

// ParseInputMode maps a configuration name to an InputMode.
func ParseInputMode(s string) (InputMode, error) {
	m, ok := inputModes[strings.ToLower(s)]
	if !ok {
		return 0, fmt.Errorf("unknown sensor input mode %q", s)
	}
	return m, nil
}

// LaneCount is the number of data lanes the control device addresses.
const LaneCount = 4

// MIPI holds the MIPI CSI lane parameters.
type MIPI struct {
	DataType int32
	WDRMode  int32
	LaneID   [LaneCount]int16
}

// LVDS holds the LVDS, SubLVDS and HiSPI lane parameters.
type LVDS struct {
	WDRMode    int32
	SyncMode   int32
	DataType   int32
	DataEndian int32
	SyncEndian int32
	LaneID     [LaneCount]int16
	SyncCode   [LaneCount][4][4]uint16
}

// DeviceConfig is the payload of the configure command. Only the lane
// block matching Mode is sent.
type DeviceConfig struct {
	Device   uint32
	Mode     InputMode
	DataRate int32
	Capture  hal.Rect
	MIPI     MIPI
	LVDS     LVDS
}

// comboDev mirrors the native device attribute: a header followed by a
// union of the lane blocks.
type comboDev struct {
	devno    uint32
	mode     int32
	dataRate int32
	rect     [4]int32
	lanes    [unsafe.Sizeof(LVDS{})]byte
}

func (cfg *DeviceConfig) native() comboDev {
	c := comboDev{
		devno:    cfg.Device,
		mode:     int32(cfg.Mode),
		dataRate: cfg.DataRate,
		rect: [4]int32{int32(cfg.Capture.X), int32(cfg.Capture.Y),
			int32(cfg.Capture.Width), int32(cfg.Capture.Height)},
	}
	switch cfg.Mode {
	case InputMIPI:
		*(*MIPI)(unsafe.Pointer(&c.lanes[0])) = cfg.MIPI
	case InputLVDS, InputSubLVDS, InputHiSPI:
		*(*LVDS)(unsafe.Pointer(&c.lanes[0])) = cfg.LVDS
	}
	return c
}

// iow encodes a write ioctl request number.
func iow(magic byte, nr uint8, size uintptr) uintptr {
	return 1<<30 | size<<16 | uintptr(magic)<<8 | uintptr(nr)
}

var ioctl = func(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// Control is an open sensor control device.
type Control struct {
	path string
	fd   int
	cmds Commands
}

// OpenControl opens the control device at path.
func OpenControl(path string, cmds Commands) (*Control, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open sensor control %s: %w", path, err)
	}
	return &Control{path: path, fd: fd, cmds: cmds}, nil
}

func (c *Control) device(name string, nr uint8, dev uint32) error {
	if err := ioctl(c.fd, iow(c.cmds.Magic, nr, unsafe.Sizeof(dev)), unsafe.Pointer(&dev)); err != nil {
		return fmt.Errorf("%s on %s: %w", name, c.path, err)
	}
	return nil
}

// ResetInterface holds the lane interface of dev in reset.
func (c *Control) ResetInterface(dev uint32) error {
	return c.device("reset interface", c.cmds.ResetInterface, dev)
}

// ResetSensor holds the sensor of dev in reset.
func (c *Control) ResetSensor(dev uint32) error {
	return c.device("reset sensor", c.cmds.ResetSensor, dev)
}

// UnresetInterface releases the lane interface of dev.
func (c *Control) UnresetInterface(dev uint32) error {
	return c.device("unreset interface", c.cmds.UnresetInterface, dev)
}

// UnresetSensor releases the sensor of dev.
func (c *Control) UnresetSensor(dev uint32) error {
	return c.device("unreset sensor", c.cmds.UnresetSensor, dev)
}

// Configure writes the interface attributes.
func (c *Control) Configure(cfg *DeviceConfig) error {
	n := cfg.native()
	if err := ioctl(c.fd, iow(c.cmds.Magic, c.cmds.ConfigureDevice, unsafe.Sizeof(n)), unsafe.Pointer(&n)); err != nil {
		return fmt.Errorf("configure device on %s: %w", c.path, err)
	}
	return nil
}

// Apply runs the full bring-up: reset interface and sensor, configure,
// settle, then release interface and sensor.
func (c *Control) Apply(cfg *DeviceConfig) error {
	if err := c.ResetInterface(cfg.Device); err != nil {
		return err
	}
	if err := c.ResetSensor(cfg.Device); err != nil {
		return err
	}
	if err := c.Configure(cfg); err != nil {
		return err
	}
	time.Sleep(settleDelay)
	if err := c.UnresetInterface(cfg.Device); err != nil {
		return err
	}
	return c.UnresetSensor(cfg.Device)
}

// Close closes the device.
func (c *Control) Close() error {
	if c.fd < 0 {
		return nil
	}
	err := unix.Close(c.fd)
	c.fd = -1
	return err
}
