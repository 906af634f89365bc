package transport

import (
	"errors"
	"fmt"

	"scb-bridge/internal/configblock"
	"scb-bridge/internal/cyusb"
)

// enterMfgMode unlocks the configuration-table commands. The device
// rejects config reads and writes until this gate is opened.
func enterMfgMode(c Conn) error {
	if err := c.ControlWrite(cyusb.CmdEnterMfgMode, cyusb.MfgModeValue, cyusb.MfgModeEnable, nil, 0); err != nil {
		return fmt.Errorf("failed to enter manufacturing mode: %w", err)
	}
	return nil
}

// exitMfgMode re-locks the configuration-table commands.
func exitMfgMode(c Conn) error {
	if err := c.ControlWrite(cyusb.CmdEnterMfgMode, cyusb.MfgModeValue, cyusb.MfgModeDisable, nil, 0); err != nil {
		return fmt.Errorf("failed to exit manufacturing mode: %w", err)
	}
	return nil
}

// ReadConfigBlock reads the raw device configuration table. The device is
// switched into manufacturing mode for the duration of the sequence and
// switched back out on every path.
func ReadConfigBlock(c Conn) ([]byte, error) {
	if err := enterMfgMode(c); err != nil {
		return nil, err
	}
	defer exitMfgMode(c)

	raw, err := c.ControlRead(cyusb.CmdReadConfig, 0, 0, cyusb.ConfigBlockSizeV1, 0)
	if err != nil {
		return nil, fmt.Errorf("config table read failed: %w", err)
	}

	// Later format versions use a larger table; the version byte of the
	// first read tells us whether a full-size re-read is needed.
	if len(raw) >= 5 {
		if size := configblock.SizeForVersion(raw[4]); size > len(raw) {
			raw, err = c.ControlRead(cyusb.CmdReadConfig, 0, 0, size, 0)
			if err != nil {
				return nil, fmt.Errorf("config table re-read (%d bytes) failed: %w", size, err)
			}
		}
	}
	return raw, nil
}

// WriteConfigBlock programs the raw device configuration table. Callers
// must only pass bytes produced by the configblock codec from a block that
// was previously read from a device; hand-built tables can brick the chip.
func WriteConfigBlock(c Conn, data []byte) error {
	if err := enterMfgMode(c); err != nil {
		return err
	}
	defer exitMfgMode(c)

	if err := c.ControlWrite(cyusb.CmdProgConfig, 0, 0, data, 0); err != nil {
		return fmt.Errorf("config table program failed: %w", err)
	}
	return nil
}

// ResetDevice commands a device reset and re-enumeration. The chip drops
// off the bus before completing the transfer, so the expected stall or
// no-device error is swallowed; any connection to it is dead afterwards
// and must be reopened after the device reappears.
func ResetDevice(c Conn) error {
	err := c.ControlWrite(cyusb.CmdDeviceReset, cyusb.ResetValue, cyusb.ResetIndex, nil, 0)
	if err != nil && !errors.Is(err, ErrPipe) && !errors.Is(err, ErrDeviceDisconnected) {
		return fmt.Errorf("device reset failed: %w", err)
	}
	return nil
}

// ReadUserFlash reads from the 512 byte user flash area. The device
// services this area one 128 byte page per control transfer, so the read
// is issued as a fixed chunk sequence with the byte offset in wIndex.
// addr and size must be page aligned.
func ReadUserFlash(c Conn, addr, size int) ([]byte, error) {
	if err := checkFlashBounds(addr, size); err != nil {
		return nil, err
	}

	out := make([]byte, 0, size)
	for off := 0; off < size; off += cyusb.UserFlashPageSize {
		page, err := c.ControlRead(cyusb.CmdReadUserFlash, 0, uint16(addr+off), cyusb.UserFlashPageSize, 0)
		if err != nil {
			return nil, fmt.Errorf("user flash read at offset %d failed: %w", addr+off, err)
		}
		out = append(out, page...)
	}
	return out, nil
}

// ProgramUserFlash writes to the 512 byte user flash area in 128 byte
// pages. addr and len(data) must be page aligned.
func ProgramUserFlash(c Conn, addr int, data []byte) error {
	if err := checkFlashBounds(addr, len(data)); err != nil {
		return err
	}

	for off := 0; off < len(data); off += cyusb.UserFlashPageSize {
		page := data[off : off+cyusb.UserFlashPageSize]
		if err := c.ControlWrite(cyusb.CmdProgUserFlash, 0, uint16(addr+off), page, 0); err != nil {
			return fmt.Errorf("user flash program at offset %d failed: %w", addr+off, err)
		}
	}
	return nil
}

func checkFlashBounds(addr, size int) error {
	if addr%cyusb.UserFlashPageSize != 0 || size%cyusb.UserFlashPageSize != 0 || size == 0 {
		return fmt.Errorf("user flash access must be aligned to %d byte pages", cyusb.UserFlashPageSize)
	}
	if addr < 0 || addr+size > cyusb.UserFlashSize {
		return fmt.Errorf("user flash access [%d, %d) outside the %d byte area", addr, addr+size, cyusb.UserFlashSize)
	}
	return nil
}
