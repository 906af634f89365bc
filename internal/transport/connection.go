package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/gousb"
	"go.uber.org/zap"

	"scb-bridge/internal/cyusb"
)

// Connection is an open bridge device with its manufacturing and SCB
// interfaces claimed. It implements Conn.
type Connection struct {
	ctx      *Context
	dev      *gousb.Device
	cfg      *gousb.Config
	mfgIntf  *gousb.Interface
	scbIntf  *gousb.Interface
	bulkIn   *gousb.InEndpoint
	bulkOut  *gousb.OutEndpoint
	intrIn   *gousb.InEndpoint
	devType  cyusb.Type
	scbIndex int
	timeout  time.Duration
	logger   *zap.Logger

	// mu is held exclusively for control transfers (the per-call timeout
	// is a field on the gousb device) and for Close; bulk and interrupt
	// transfers share it so that an SPI full-duplex exchange can run its
	// in and out halves at the same time.
	mu     sync.RWMutex
	closed bool
}

// claim walks the device descriptors, claims the manufacturing interface
// and, when the device exposes one, the SCB vendor interface, and resolves
// the SCB endpoints.
func (c *Connection) claim() error {
	cfgDesc, err := firstConfig(c.dev.Desc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceNotFound, err)
	}

	mfgNum := -1
	scbNum := -1
	c.devType = cyusb.TypeDisabled
	for _, intf := range cfgDesc.Interfaces {
		if len(intf.AltSettings) == 0 {
			continue
		}
		s := intf.AltSettings[0]
		if isMfgInterface(s) {
			mfgNum = intf.Number
			continue
		}
		if t := scbType(s); t != cyusb.TypeDisabled {
			scbNum = intf.Number
			c.devType = t
		} else if s.Class == gousb.Class(cyusb.USBClassCDC) {
			c.devType = cyusb.TypeUARTCDC
		}
	}
	if mfgNum < 0 {
		return fmt.Errorf("%w: device has no manufacturing interface", ErrDeviceNotFound)
	}

	// Kernel drivers (e.g. cdc_acm for a device in UART mode) must be
	// detached before the claims can succeed. Not supported on every OS;
	// if it is unavailable the claim below reports the real failure.
	if err := c.dev.SetAutoDetach(true); err != nil {
		c.logger.Warn("Kernel driver auto-detach unavailable", zap.Error(err))
	}

	c.cfg, err = c.dev.Config(cfgDesc.Number)
	if err != nil {
		return fmt.Errorf("failed to set device configuration: %w", mapUSBError(err))
	}

	c.mfgIntf, err = c.cfg.Interface(mfgNum, 0)
	if err != nil {
		return fmt.Errorf("failed to claim manufacturing interface: %w", mapUSBError(err))
	}

	if scbNum < 0 {
		// Device is in CDC mode: only the manufacturing interface is
		// available, which is all a mode switch needs.
		return nil
	}

	c.scbIntf, err = c.cfg.Interface(scbNum, 0)
	if err != nil {
		return fmt.Errorf("failed to claim SCB interface: %w", mapUSBError(err))
	}

	for _, ep := range c.scbIntf.Setting.Endpoints {
		switch {
		case ep.TransferType == gousb.TransferTypeBulk && ep.Direction == gousb.EndpointDirectionIn:
			c.bulkIn, err = c.scbIntf.InEndpoint(ep.Number)
		case ep.TransferType == gousb.TransferTypeBulk && ep.Direction == gousb.EndpointDirectionOut:
			c.bulkOut, err = c.scbIntf.OutEndpoint(ep.Number)
		case ep.TransferType == gousb.TransferTypeInterrupt && ep.Direction == gousb.EndpointDirectionIn:
			c.intrIn, err = c.scbIntf.InEndpoint(ep.Number)
		}
		if err != nil {
			return fmt.Errorf("failed to open SCB endpoint 0x%02x: %w", uint8(ep.Address), mapUSBError(err))
		}
	}
	if c.bulkIn == nil || c.bulkOut == nil || c.intrIn == nil {
		return errors.New("SCB interface is missing its bulk or interrupt endpoints")
	}
	return nil
}

// Type returns the device type advertised by the claimed descriptors.
// This is what the device currently enumerates as, not necessarily what
// its configuration block says after a pending mode switch.
func (c *Connection) Type() cyusb.Type {
	return c.devType
}

// SCBIndex returns which serial control block this connection targets.
func (c *Connection) SCBIndex() int {
	return c.scbIndex
}

func (c *Connection) effectiveTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return c.timeout
	}
	return timeout
}

// ControlRead issues a vendor device-to-host control transfer.
func (c *Connection) ControlRead(request uint8, value, index uint16, length int, timeout time.Duration) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("%w: connection closed", ErrDeviceDisconnected)
	}

	c.dev.ControlTimeout = c.effectiveTimeout(timeout)
	buf := make([]byte, length)
	n, err := c.dev.Control(cyusb.VendorRequestIn, request, value, index, buf)
	if err != nil {
		return nil, mapUSBError(err)
	}
	return buf[:n], nil
}

// ControlWrite issues a vendor host-to-device control transfer.
func (c *Connection) ControlWrite(request uint8, value, index uint16, data []byte, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("%w: connection closed", ErrDeviceDisconnected)
	}

	c.dev.ControlTimeout = c.effectiveTimeout(timeout)
	if _, err := c.dev.Control(cyusb.VendorRequestOut, request, value, index, data); err != nil {
		return mapUSBError(err)
	}
	return nil
}

// BulkRead reads up to length bytes from the SCB bulk-in endpoint.
func (c *Connection) BulkRead(length int, timeout time.Duration) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed || c.bulkIn == nil {
		return nil, fmt.Errorf("%w: no SCB data path", ErrDeviceDisconnected)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.effectiveTimeout(timeout))
	defer cancel()

	buf := make([]byte, length)
	n, err := c.bulkIn.ReadContext(ctx, buf)
	if err != nil {
		return nil, mapUSBError(err)
	}
	return buf[:n], nil
}

// BulkWrite writes data to the SCB bulk-out endpoint.
func (c *Connection) BulkWrite(data []byte, timeout time.Duration) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed || c.bulkOut == nil {
		return fmt.Errorf("%w: no SCB data path", ErrDeviceDisconnected)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.effectiveTimeout(timeout))
	defer cancel()

	n, err := c.bulkOut.WriteContext(ctx, data)
	if err != nil {
		return mapUSBError(err)
	}
	if n != len(data) {
		return fmt.Errorf("short bulk write: %d of %d bytes", n, len(data))
	}
	return nil
}

// InterruptRead reads a notification from the SCB interrupt-in endpoint.
func (c *Connection) InterruptRead(length int, timeout time.Duration) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed || c.intrIn == nil {
		return nil, fmt.Errorf("%w: no SCB data path", ErrDeviceDisconnected)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.effectiveTimeout(timeout))
	defer cancel()

	buf := make([]byte, length)
	n, err := c.intrIn.ReadContext(ctx, buf)
	if err != nil {
		return nil, mapUSBError(err)
	}
	return buf[:n], nil
}

// Close releases the interface claims and the device handle. Always
// releases everything it can, even partway through a failed open. After a
// device reset libusb reports no-device here, which is expected.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	if c.scbIntf != nil {
		c.scbIntf.Close()
		c.scbIntf = nil
	}
	if c.mfgIntf != nil {
		c.mfgIntf.Close()
		c.mfgIntf = nil
	}
	if c.cfg != nil {
		if err := c.cfg.Close(); err != nil && !errors.Is(mapUSBError(err), ErrDeviceDisconnected) {
			c.logger.Warn("Failed to release device configuration", zap.Error(err))
		}
		c.cfg = nil
	}
	if c.dev != nil {
		if err := c.dev.Close(); err != nil && !errors.Is(mapUSBError(err), ErrDeviceDisconnected) {
			c.logger.Warn("Failed to close device handle", zap.Error(err))
		}
		c.dev = nil
	}
	return nil
}
