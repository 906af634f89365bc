// pkg/bridge/bridge.go
//
// Package bridge is the high-level entry point of the driver. It ties
// discovery, the configuration codec, mode switching and the bus
// engines together behind mode-specific open calls: ask for a device
// in I2C mode and the library finds it, reprograms it if it is in
// another mode, waits out the re-enumeration and hands back a ready
// controller.
package bridge

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"scb-bridge/internal/bus"
	"scb-bridge/internal/config"
	"scb-bridge/internal/cyusb"
	"scb-bridge/internal/discovery"
	"scb-bridge/internal/modeswitch"
	"scb-bridge/internal/transport"
	"scb-bridge/internal/utils"
)

// Bridge owns the USB context and the scan/switch machinery. One
// Bridge serves any number of sequential opens; it is not safe for
// concurrent use.
type Bridge struct {
	cfg      *config.Config
	ctx      *transport.Context
	scanner  *discovery.Scanner
	switcher *modeswitch.Switcher
	logger   *zap.Logger
}

// New builds a Bridge from configuration.
func New(cfg *config.Config, logger *zap.Logger) (*Bridge, error) {
	pairs, err := cfg.FilterPairs()
	if err != nil {
		return nil, err
	}
	filter := make([]discovery.VIDPID, len(pairs))
	for i, p := range pairs {
		filter[i] = discovery.VIDPID{VID: p[0], PID: p[1]}
	}

	ctx := transport.NewContext(logger, cfg.USB.ControlTimeout)
	ctx.USB().Debug(cfg.USB.DebugLevel)

	b := &Bridge{
		cfg:     cfg,
		ctx:     ctx,
		scanner: discovery.NewScanner(ctx, logger, filter),
		logger:  logger,
	}
	b.switcher = modeswitch.New(b.reopen, logger, modeswitch.Options{
		Budget:       cfg.ModeSwitch.Budget,
		PollInterval: cfg.ModeSwitch.PollInterval,
	})
	return b, nil
}

// Close releases the USB context. Open handles must be closed first.
func (b *Bridge) Close() error {
	return b.ctx.Close()
}

// Scan lists the bridge devices currently on the bus.
func (b *Bridge) Scan() ([]discovery.DeviceIdentity, error) {
	return b.scanner.Scan()
}

// Find narrows a scan to one device. An empty serial is allowed when
// exactly one device matches the filter.
func (b *Bridge) Find(serial string) (discovery.DeviceIdentity, error) {
	return b.scanner.Find(serial)
}

func (b *Bridge) reopen(vid, pid uint16, serial string) (transport.Conn, error) {
	conn, err := b.ctx.Open(vid, pid, serial, 0)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// acquire finds the device, switches it into the target mode if
// needed and returns an open connection to it.
func (b *Bridge) acquire(serial string, scb int, target cyusb.Type) (transport.Conn, discovery.DeviceIdentity, error) {
	id, err := b.scanner.Find(serial)
	if err != nil {
		return nil, discovery.DeviceIdentity{}, err
	}

	dlog := utils.NewDeviceLogger(b.logger, id.VID, id.PID, id.Serial)
	start := time.Now()
	conn, id, err := b.open(id, scb, target)
	dlog.LogOperation("acquire_"+strings.ToLower(target.String()), uuid.NewString(), time.Since(start), err == nil, err)
	return conn, id, err
}

// open connects to an already-located device and drives the mode
// switch when the device is not in the target mode yet.
func (b *Bridge) open(id discovery.DeviceIdentity, scb int, target cyusb.Type) (transport.Conn, discovery.DeviceIdentity, error) {
	conn, err := b.ctx.Open(id.VID, id.PID, id.Serial, scb)
	if err != nil {
		return nil, id, fmt.Errorf("opening %s: %w", id, err)
	}

	if id.Mode() == target {
		return conn, id, nil
	}

	b.logger.Info("switching device mode",
		zap.String("serial", id.Serial),
		zap.Stringer("from", id.Mode()),
		zap.Stringer("to", target),
	)
	switched, err := b.switcher.Switch(conn, modeswitch.Identity{
		VID:    id.VID,
		PID:    id.PID,
		Serial: id.Serial,
		Type:   id.Mode(),
	}, target)
	if err != nil {
		return nil, id, fmt.Errorf("switching %s to %s: %w", id, target, err)
	}
	id.PID = modeswitch.TargetPID(id.PID, target)
	return switched, id, nil
}

// OpenI2C opens the device as an I2C master, switching its mode if
// necessary. scb selects the channel on dual-channel parts.
func (b *Bridge) OpenI2C(serial string, scb int) (*I2CHandle, error) {
	conn, id, err := b.acquire(serial, scb, cyusb.TypeI2C)
	if err != nil {
		return nil, err
	}
	ctrl, err := bus.NewI2CController(conn, b.logger, b.cfg.USB.ControlTimeout)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ctrl.SetConfig(bus.I2CConfig{
		Frequency:    b.cfg.I2C.Frequency,
		ClockStretch: b.cfg.I2C.ClockStretch,
	}); err != nil {
		conn.Close()
		return nil, err
	}
	return &I2CHandle{I2CController: ctrl, conn: conn, Identity: id}, nil
}

// OpenSPI opens the device as an SPI master, switching its mode if
// necessary.
func (b *Bridge) OpenSPI(serial string, scb int) (*SPIHandle, error) {
	conn, id, err := b.acquire(serial, scb, cyusb.TypeSPI)
	if err != nil {
		return nil, err
	}
	ctrl, err := bus.NewSPIController(conn, b.logger, b.cfg.USB.ControlTimeout)
	if err != nil {
		conn.Close()
		return nil, err
	}
	cfg := bus.DefaultSPIConfig
	cfg.Frequency = b.cfg.SPI.Frequency
	cfg.WordSize = uint8(b.cfg.SPI.WordSize)
	cfg.CPHA = b.cfg.SPI.Mode&1 != 0
	cfg.CPOL = b.cfg.SPI.Mode&2 != 0
	if err := ctrl.SetConfig(cfg); err != nil {
		conn.Close()
		return nil, err
	}
	return &SPIHandle{SPIController: ctrl, conn: conn, Identity: id}, nil
}

// OpenUART switches the device into CDC UART mode and resolves the
// serial port the OS assigned to it. The returned handle holds no USB
// claim; the port is used through the OS serial stack.
func (b *Bridge) OpenUART(serial string) (*UARTHandle, error) {
	conn, id, err := b.acquire(serial, 0, cyusb.TypeUARTCDC)
	if err != nil {
		return nil, err
	}
	// The CDC stack owns the data interfaces; only the port name is
	// needed from here on.
	if err := conn.Close(); err != nil {
		b.logger.Warn("closing connection after uart switch", zap.Error(err))
	}

	port, err := discovery.ResolveSerialPort(id.Serial)
	if err != nil {
		return nil, err
	}
	return &UARTHandle{Port: port, Identity: id}, nil
}

// OpenMFG opens the device for configuration work in whatever mode it
// is currently in. No mode switch happens; the manufacturing interface
// is present in every mode.
func (b *Bridge) OpenMFG(serial string) (*MFGHandle, error) {
	id, err := b.scanner.Find(serial)
	if err != nil {
		return nil, err
	}
	conn, err := b.ctx.Open(id.VID, id.PID, id.Serial, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", id, err)
	}
	return &MFGHandle{conn: conn, Identity: id}, nil
}
