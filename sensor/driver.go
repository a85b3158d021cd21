// Package sensor loads sensor driver plugins and programs the sensor
// control device.
package sensor

import (
	"fmt"

	"go.uber.org/zap"

	"ipc-streamer/hal"
	"ipc-streamer/hal/dl"
)

const (
	registerSymbol   = "sensor_register_callback"
	unregisterSymbol = "sensor_unregister_callback"
)

// Driver is a loaded sensor driver plugin.
type Driver struct {
	lib    *dl.Library
	logger *zap.Logger

	register   func() int32
	unregister func() int32
}

// LoadDriver searches name, ./name and /usr/lib/name, then dirs, and binds
// the driver callbacks from the first file that loads.
func LoadDriver(name string, logger *zap.Logger, dirs ...string) (*Driver, error) {
	return LoadDriverWith(dl.DefaultLoader, name, logger, dirs...)
}

// LoadDriverWith is LoadDriver over a custom loader.
func LoadDriverWith(l dl.Loader, name string, logger *zap.Logger, dirs ...string) (*Driver, error) {
	lib, err := dl.OpenWith(l, hal.ModuleSensor, name, dl.Candidates(name, dirs...))
	if err != nil {
		return nil, err
	}
	d := &Driver{lib: lib, logger: logger.Named("sensor")}
	err = lib.BindAll([]dl.Symbol{
		{Name: registerSymbol, Fn: &d.register},
		{Name: unregisterSymbol, Fn: &d.unregister},
	})
	if err != nil {
		lib.Close()
		return nil, err
	}
	d.logger.Info("Sensor driver loaded", zap.String("path", lib.Path))
	return d, nil
}

// Path is the file the driver was loaded from.
func (d *Driver) Path() string { return d.lib.Path }

// Register hooks the driver into the ISP.
func (d *Driver) Register() error {
	if err := hal.Check(registerSymbol, d.register()); err != nil {
		return fmt.Errorf("failed to register sensor driver: %w", err)
	}
	return nil
}

// Unregister detaches the driver from the ISP.
func (d *Driver) Unregister() error {
	return hal.Check(unregisterSymbol, d.unregister())
}

// Close unloads the driver library.
func (d *Driver) Close() error {
	return d.lib.Close()
}
