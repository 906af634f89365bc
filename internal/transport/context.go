package transport

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/gousb"
	"go.uber.org/zap"

	"scb-bridge/internal/cyusb"
	"scb-bridge/internal/utils"
)

// DefaultTimeout is the transfer timeout used when the caller does not
// provide one.
const DefaultTimeout = 1 * time.Second

// Context owns the process's libusb context. There is deliberately no
// package-level instance: callers create one, pass it to scan and open
// calls, and close it when done.
type Context struct {
	usb     *gousb.Context
	logger  *zap.Logger
	timeout time.Duration
}

// NewContext initializes a USB context. timeout is the default transfer
// timeout for connections opened through it; zero selects DefaultTimeout.
func NewContext(logger *zap.Logger, timeout time.Duration) *Context {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Context{
		usb:     gousb.NewContext(),
		logger:  logger.With(zap.String("component", "transport")),
		timeout: timeout,
	}
}

// USB exposes the underlying gousb context for device enumeration.
func (c *Context) USB() *gousb.Context {
	return c.usb
}

// Close tears down the libusb context. All connections opened through the
// context must be closed first.
func (c *Context) Close() error {
	if err := c.usb.Close(); err != nil {
		return fmt.Errorf("failed to close USB context: %w", err)
	}
	return nil
}

// Open locates a bridge device by VID, PID and (optionally) serial number,
// claims its manufacturing interface and, when present, its SCB vendor
// interface, and resolves the SCB endpoints. serial may be empty if a
// single matching device is attached. scbIndex selects the serial control
// block on two-channel parts and must be 0 or 1.
//
// Everything acquired is released again on every failure path; a leaked
// claim would block all subsequent opens of the device.
func (c *Context) Open(vid, pid uint16, serial string, scbIndex int) (*Connection, error) {
	if scbIndex < 0 || scbIndex > 1 {
		return nil, fmt.Errorf("scb index must be 0 or 1, got %d", scbIndex)
	}

	devs, err := c.usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == gousb.ID(vid) && desc.Product == gousb.ID(pid)
	})
	// OpenDevices can return matches alongside an error for unrelated
	// devices that could not be opened.
	if len(devs) == 0 {
		if err != nil {
			return nil, fmt.Errorf("%w (vid=%04x pid=%04x): %v", ErrDeviceNotFound, vid, pid, err)
		}
		return nil, fmt.Errorf("%w (vid=%04x pid=%04x)", ErrDeviceNotFound, vid, pid)
	}

	dev, err := pickDevice(devs, serial)
	if err != nil {
		return nil, err
	}

	dlog := utils.NewDeviceLogger(c.logger, vid, pid, serial)
	conn := &Connection{
		ctx:      c,
		dev:      dev,
		scbIndex: scbIndex,
		timeout:  c.timeout,
		logger:   dlog.Logger,
	}

	ok := false
	defer func() {
		if !ok {
			conn.Close()
		}
	}()

	if err := conn.claim(); err != nil {
		dlog.LogConnection("claim", false, err)
		return nil, err
	}

	// Sanity check before anything else touches the device.
	sig, err := Signature(conn)
	if err != nil {
		dlog.LogConnection("open", false, err)
		return nil, err
	}
	if string(sig) != "CYUS" {
		err := fmt.Errorf("device signature %q is not a serial bridge in operational mode", sig)
		dlog.LogConnection("open", false, err)
		return nil, err
	}

	if fw, err := GetFirmwareVersion(conn); err == nil {
		conn.logger.Info("Opened bridge device",
			zap.String("firmware", fw.String()),
			zap.String("interface_type", conn.devType.String()),
		)
	}

	ok = true
	return conn, nil
}

// pickDevice selects the device matching the requested serial number and
// closes the rest.
func pickDevice(devs []*gousb.Device, serial string) (*gousb.Device, error) {
	var chosen *gousb.Device
	for _, dev := range devs {
		if chosen != nil {
			dev.Close()
			continue
		}
		if serial == "" {
			chosen = dev
			continue
		}
		devSerial, err := dev.SerialNumber()
		// Windows reports serial numbers uppercased, so compare folded.
		if err == nil && strings.EqualFold(devSerial, serial) {
			chosen = dev
			continue
		}
		dev.Close()
	}
	if chosen == nil {
		return nil, fmt.Errorf("%w: no attached device matches serial %q", ErrDeviceNotFound, serial)
	}
	return chosen, nil
}

// firstConfig returns the device's (only) configuration descriptor.
// Bridge chips always expose exactly one.
func firstConfig(desc *gousb.DeviceDesc) (gousb.ConfigDesc, error) {
	for num := range desc.Configs {
		return desc.Configs[num], nil
	}
	return gousb.ConfigDesc{}, errors.New("device has no USB configuration")
}

// scbType maps an SCB vendor interface subclass to its device type, or
// TypeDisabled if the setting is not an SCB interface.
func scbType(s gousb.InterfaceSetting) cyusb.Type {
	if s.Class != gousb.Class(cyusb.USBClassVendor) {
		return cyusb.TypeDisabled
	}
	switch t := cyusb.Type(s.SubClass); t {
	case cyusb.TypeUARTVendor, cyusb.TypeSPI, cyusb.TypeI2C, cyusb.TypeJTAG:
		if len(s.Endpoints) == 3 {
			return t
		}
	}
	return cyusb.TypeDisabled
}

// isMfgInterface reports whether the setting is the manufacturing
// (configuration) interface: vendor class, MFG subclass, no endpoints.
func isMfgInterface(s gousb.InterfaceSetting) bool {
	return s.Class == gousb.Class(cyusb.USBClassVendor) &&
		cyusb.Type(s.SubClass) == cyusb.TypeMFG &&
		len(s.Endpoints) == 0
}
