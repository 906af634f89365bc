package transport

import (
	"encoding/binary"
	"fmt"
	"time"

	"scb-bridge/internal/cyusb"
)

// Conn is the synchronous wire-level surface of an open bridge device.
// Every call blocks the caller for at most its timeout; a zero timeout
// selects the connection's default. Implemented by *Connection and by the
// in-memory fake used in tests.
//
// A Conn is exclusively owned by one caller at a time; implementations
// serialize concurrent calls but interleaved transactions from multiple
// goroutines are still undefined.
type Conn interface {
	// ControlRead issues a vendor device-to-host control transfer.
	ControlRead(request uint8, value, index uint16, length int, timeout time.Duration) ([]byte, error)

	// ControlWrite issues a vendor host-to-device control transfer.
	ControlWrite(request uint8, value, index uint16, data []byte, timeout time.Duration) error

	// BulkRead reads up to length bytes from the SCB bulk-in endpoint.
	BulkRead(length int, timeout time.Duration) ([]byte, error)

	// BulkWrite writes data to the SCB bulk-out endpoint.
	BulkWrite(data []byte, timeout time.Duration) error

	// InterruptRead reads a transfer-complete notification from the SCB
	// interrupt-in endpoint.
	InterruptRead(length int, timeout time.Duration) ([]byte, error)

	// SCBIndex returns which serial control block this connection targets.
	SCBIndex() int

	// Close releases the interface claims and the device handle. Safe to
	// call more than once.
	Close() error
}

// FirmwareVersion is the device firmware version as reported by the
// version query command.
type FirmwareVersion struct {
	Major uint8
	Minor uint8
	Patch uint16
	Build uint32
}

func (v FirmwareVersion) String() string {
	return fmt.Sprintf("%d.%d.%d build %d", v.Major, v.Minor, v.Patch, v.Build)
}

// Signature reads the 4-byte device signature. A device in normal
// operation reports "CYUS"; the bootloader reports "CYBL".
func Signature(c Conn) ([]byte, error) {
	sig, err := c.ControlRead(cyusb.CmdGetSignature, 0, 0, cyusb.SignatureLen, 0)
	if err != nil {
		return nil, fmt.Errorf("signature query failed: %w", err)
	}
	return sig, nil
}

// GetFirmwareVersion reads the firmware version of the device.
func GetFirmwareVersion(c Conn) (FirmwareVersion, error) {
	raw, err := c.ControlRead(cyusb.CmdGetVersion, 0, 0, cyusb.FirmwareVersionLen, 0)
	if err != nil {
		return FirmwareVersion{}, fmt.Errorf("firmware version query failed: %w", err)
	}
	if len(raw) != cyusb.FirmwareVersionLen {
		return FirmwareVersion{}, fmt.Errorf("firmware version reply is %d bytes, want %d", len(raw), cyusb.FirmwareVersionLen)
	}
	return FirmwareVersion{
		Major: raw[0],
		Minor: raw[1],
		Patch: binary.LittleEndian.Uint16(raw[2:]),
		Build: binary.LittleEndian.Uint32(raw[4:]),
	}, nil
}

// GetSiliconID reads the 32-bit silicon ID of the device.
func GetSiliconID(c Conn) (uint32, error) {
	raw, err := c.ControlRead(cyusb.CmdGetSiliconID, 0, 0, cyusb.SiliconIDLen, 0)
	if err != nil {
		return 0, fmt.Errorf("silicon ID query failed: %w", err)
	}
	if len(raw) != cyusb.SiliconIDLen {
		return 0, fmt.Errorf("silicon ID reply is %d bytes, want %d", len(raw), cyusb.SiliconIDLen)
	}
	return binary.LittleEndian.Uint32(raw), nil
}
