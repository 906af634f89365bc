package discovery

import (
	"errors"
	"fmt"
	"strings"

	"go.bug.st/serial/enumerator"
)

// ErrPortNotFound reports that no serial port belongs to the device.
var ErrPortNotFound = errors.New("no serial port found for device")

// ResolveSerialPort maps a CDC-mode bridge to its OS serial port by
// matching USB serial numbers. The OS may report the serial in a
// different case than the device descriptor, so the match is
// case-insensitive.
func ResolveSerialPort(serial string) (string, error) {
	if serial == "" {
		return "", fmt.Errorf("%w: device has no serial number", ErrPortNotFound)
	}
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return "", fmt.Errorf("listing serial ports: %w", err)
	}
	for _, p := range ports {
		if p.IsUSB && strings.EqualFold(p.SerialNumber, serial) {
			return p.Name, nil
		}
	}
	return "", fmt.Errorf("%w: serial %q", ErrPortNotFound, serial)
}
