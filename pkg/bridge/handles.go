package bridge

import (
	"fmt"

	"go.bug.st/serial"

	"scb-bridge/internal/bus"
	"scb-bridge/internal/configblock"
	"scb-bridge/internal/discovery"
	"scb-bridge/internal/transport"
)

// I2CHandle is an open device in I2C master mode.
type I2CHandle struct {
	*bus.I2CController
	Identity discovery.DeviceIdentity

	conn transport.Conn
}

func (h *I2CHandle) Close() error {
	return h.conn.Close()
}

// SPIHandle is an open device in SPI master mode.
type SPIHandle struct {
	*bus.SPIController
	Identity discovery.DeviceIdentity

	conn transport.Conn
}

func (h *SPIHandle) Close() error {
	return h.conn.Close()
}

// UARTHandle is a device in CDC UART mode, addressed through the OS
// serial port it enumerated as.
type UARTHandle struct {
	// Port is the OS device path, e.g. /dev/ttyACM0 or COM5.
	Port     string
	Identity discovery.DeviceIdentity
}

// Open opens the serial port at the given baud rate with 8N1 framing.
func (h *UARTHandle) Open(baud int) (serial.Port, error) {
	port, err := serial.Open(h.Port, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", h.Port, err)
	}
	return port, nil
}

// MFGHandle is an open device exposing only the configuration surface.
// It works in every operating mode.
type MFGHandle struct {
	Identity discovery.DeviceIdentity

	conn transport.Conn
}

func (h *MFGHandle) Close() error {
	return h.conn.Close()
}

// ReadConfig reads and decodes the device configuration table.
func (h *MFGHandle) ReadConfig() (*configblock.Block, error) {
	raw, err := transport.ReadConfigBlock(h.conn)
	if err != nil {
		return nil, err
	}
	return configblock.Decode(raw)
}

// WriteConfig programs a configuration table and resets the device so
// it takes effect. The handle is dead afterwards; reopen the device
// once it re-enumerates.
func (h *MFGHandle) WriteConfig(block *configblock.Block) error {
	if err := transport.WriteConfigBlock(h.conn, block.Encode()); err != nil {
		return err
	}
	return transport.ResetDevice(h.conn)
}

// UpdateConfig applies modify to the current table and programs the
// result. See WriteConfig for the reset semantics.
func (h *MFGHandle) UpdateConfig(modify func(*configblock.Block) (*configblock.Block, error)) error {
	block, err := h.ReadConfig()
	if err != nil {
		return err
	}
	updated, err := modify(block)
	if err != nil {
		return err
	}
	return h.WriteConfig(updated)
}

// FirmwareVersion queries the device firmware version.
func (h *MFGHandle) FirmwareVersion() (transport.FirmwareVersion, error) {
	return transport.GetFirmwareVersion(h.conn)
}

// SiliconID queries the 32-bit silicon ID.
func (h *MFGHandle) SiliconID() (uint32, error) {
	return transport.GetSiliconID(h.conn)
}

// Signature queries the 4-byte device signature.
func (h *MFGHandle) Signature() ([]byte, error) {
	return transport.Signature(h.conn)
}

// ReadUserFlash reads from the user flash area. addr and size must be
// 128-byte page aligned.
func (h *MFGHandle) ReadUserFlash(addr, size int) ([]byte, error) {
	return transport.ReadUserFlash(h.conn, addr, size)
}

// ProgramUserFlash writes to the user flash area. addr and len(data)
// must be 128-byte page aligned.
func (h *MFGHandle) ProgramUserFlash(addr int, data []byte) error {
	return transport.ProgramUserFlash(h.conn, addr, data)
}

// Reset reboots the device. The handle is dead afterwards.
func (h *MFGHandle) Reset() error {
	return transport.ResetDevice(h.conn)
}
