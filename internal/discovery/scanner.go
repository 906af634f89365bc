package discovery

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/gousb"
	"go.uber.org/zap"

	"scb-bridge/internal/transport"
)

// Scanner enumerates bridge devices over a shared USB context.
type Scanner struct {
	ctx    *transport.Context
	logger *zap.Logger
	filter []VIDPID
}

// NewScanner builds a scanner over the given transport context. A nil
// or empty filter matches every device on the bus; the interface
// classifier then weeds out anything that is not a bridge.
func NewScanner(ctx *transport.Context, logger *zap.Logger, filter []VIDPID) *Scanner {
	return &Scanner{
		ctx:    ctx,
		logger: logger.With(zap.String("scanner", "usb")),
		filter: filter,
	}
}

// Scan walks the bus and returns every device that matches the filter
// and classifies as a bridge.
func (s *Scanner) Scan() ([]DeviceIdentity, error) {
	start := time.Now()

	devs, err := s.ctx.USB().OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return len(s.filter) == 0 ||
			matchesFilter(s.filter, uint16(desc.Vendor), uint16(desc.Product))
	})
	defer func() {
		for _, dev := range devs {
			if dev == nil {
				continue
			}
			if cerr := dev.Close(); cerr != nil {
				s.logger.Warn("closing scanned device", zap.Error(cerr))
			}
		}
	}()
	// OpenDevices reports a combined error even when some devices
	// opened fine; those that did are still worth classifying.
	if err != nil && len(devs) == 0 {
		return nil, fmt.Errorf("enumerating devices: %w", err)
	}
	if err != nil {
		s.logger.Warn("some matching devices could not be opened", zap.Error(err))
	}

	var found []DeviceIdentity
	for _, dev := range devs {
		id, ok := s.examine(dev)
		if !ok {
			continue
		}
		found = append(found, id)
	}

	s.logger.Debug("scan completed",
		zap.Int("devices_found", len(found)),
		zap.Duration("scan_duration", time.Since(start)),
	)
	return found, nil
}

// Find narrows a scan to the single device a command should act on.
func (s *Scanner) Find(serial string) (DeviceIdentity, error) {
	devices, err := s.Scan()
	if err != nil {
		return DeviceIdentity{}, err
	}
	return SelectOne(devices, serial)
}

// examine classifies one opened device. ok is false when the device is
// not a bridge.
func (s *Scanner) examine(dev *gousb.Device) (DeviceIdentity, bool) {
	desc := dev.Desc
	if len(desc.Configs) != 1 {
		return DeviceIdentity{}, false
	}

	var ifaces []usbInterface
	for _, cfg := range desc.Configs {
		for _, intf := range cfg.Interfaces {
			if len(intf.AltSettings) == 0 {
				return DeviceIdentity{}, false
			}
			alt := intf.AltSettings[0]
			ifaces = append(ifaces, usbInterface{
				Class:     uint8(alt.Class),
				SubClass:  uint8(alt.SubClass),
				Endpoints: len(alt.Endpoints),
			})
		}
	}

	c, ok := classifyInterfaces(ifaces)
	if !ok {
		s.logger.Debug("device matched filter but is not a bridge",
			zap.String("id", fmt.Sprintf("%04x:%04x", uint16(desc.Vendor), uint16(desc.Product))),
		)
		return DeviceIdentity{}, false
	}

	id := DeviceIdentity{
		VID:     uint16(desc.Vendor),
		PID:     uint16(desc.Product),
		Bus:     desc.Bus,
		Address: desc.Address,
		SCBs:    c.scbs,
	}
	s.readStrings(dev, &id)

	s.logger.Debug("bridge device found", zap.String("device", id.String()))
	return id, true
}

// readStrings fills the string-descriptor fields, tolerating devices
// the OS will enumerate but not let us talk to.
func (s *Scanner) readStrings(dev *gousb.Device, id *DeviceIdentity) {
	var err error
	if id.Manufacturer, err = dev.Manufacturer(); err != nil {
		id.OpenFailed = true
	}
	if id.Product, err = dev.Product(); err != nil {
		id.OpenFailed = true
	}
	if id.Serial, err = dev.SerialNumber(); err != nil {
		id.OpenFailed = true
	}
	if id.OpenFailed {
		s.logger.Debug("could not read string descriptors",
			zap.String("id", fmt.Sprintf("%04x:%04x", id.VID, id.PID)),
			zap.Error(err),
		)
	}
	id.Manufacturer = strings.TrimSpace(id.Manufacturer)
	id.Product = strings.TrimSpace(id.Product)
	id.Serial = strings.TrimSpace(id.Serial)
}
