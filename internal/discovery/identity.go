// Package discovery enumerates bridge devices on the USB bus and
// classifies them by their interface layout. The chips carry no unique
// class code, so identification is heuristic: a matching VID/PID pair
// plus the characteristic manufacturing interface.
package discovery

import (
	"errors"
	"fmt"
	"strings"

	"scb-bridge/internal/cyusb"
)

var (
	// ErrNoDevice reports that no device matched the search.
	ErrNoDevice = errors.New("no matching device found")

	// ErrAmbiguous reports multiple matches where exactly one was
	// needed.
	ErrAmbiguous = errors.New("multiple matching devices, specify a serial number")
)

// VIDPID is one USB identity pair in a scan filter. The PID names the
// pair: a device matches on both the even and odd PID, since the mode
// switcher flips the low bit.
type VIDPID struct {
	VID uint16
	PID uint16
}

func (v VIDPID) String() string {
	return fmt.Sprintf("%04x:%04x", v.VID, v.PID)
}

// Matches reports whether the given identity falls in this pair.
func (v VIDPID) Matches(vid, pid uint16) bool {
	return vid == v.VID && pid&^1 == v.PID&^1
}

// DefaultFilter matches the VID/PID this driver programs onto devices
// it manages.
var DefaultFilter = []VIDPID{{VID: cyusb.DefaultVID, PID: cyusb.DefaultPID}}

func matchesFilter(filter []VIDPID, vid, pid uint16) bool {
	for _, f := range filter {
		if f.Matches(vid, pid) {
			return true
		}
	}
	return false
}

// DeviceIdentity describes one discovered bridge.
type DeviceIdentity struct {
	VID     uint16
	PID     uint16
	Bus     int
	Address int

	// Manufacturer, Product and Serial come from the string
	// descriptors and are empty when the device could not be opened.
	Manufacturer string
	Product      string
	Serial       string

	// SCBs lists the mode of each serial control block, in interface
	// order. Single-channel parts have one entry.
	SCBs []cyusb.Type

	// OpenFailed marks a device that matched the filter but whose
	// descriptors could not be read, usually a permissions problem.
	OpenFailed bool
}

// Mode returns the operating mode of the first SCB.
func (d DeviceIdentity) Mode() cyusb.Type {
	if len(d.SCBs) == 0 {
		return cyusb.TypeDisabled
	}
	return d.SCBs[0]
}

func (d DeviceIdentity) String() string {
	modes := make([]string, len(d.SCBs))
	for i, t := range d.SCBs {
		modes[i] = t.String()
	}
	return fmt.Sprintf("%04x:%04x [%s] serial=%q bus=%d addr=%d",
		d.VID, d.PID, strings.Join(modes, ","), d.Serial, d.Bus, d.Address)
}

// SelectOne narrows a scan result to the single device a command
// should act on. An empty serial is a wildcard; with several
// candidates it is an error rather than a guess.
func SelectOne(devices []DeviceIdentity, serial string) (DeviceIdentity, error) {
	var matches []DeviceIdentity
	for _, d := range devices {
		if serial != "" && !strings.EqualFold(d.Serial, serial) {
			continue
		}
		matches = append(matches, d)
	}
	switch len(matches) {
	case 0:
		return DeviceIdentity{}, ErrNoDevice
	case 1:
		return matches[0], nil
	default:
		return DeviceIdentity{}, fmt.Errorf("%w: %d candidates", ErrAmbiguous, len(matches))
	}
}
