// Package bus implements the I2C and SPI master engines of the bridge.
//
// Both engines share the same wire pattern: a vendor control request
// arms the transfer, the payload moves over the bulk endpoints, and a
// per-bus status channel reports the outcome. Failed transfers leave
// the on-chip bus module wedged, so the engines reset it before
// returning an error.
package bus

import (
	"encoding/binary"
	"fmt"
	"time"

	"go.uber.org/zap"

	"scb-bridge/internal/cyusb"
	"scb-bridge/internal/transport"
)

// baseTimeout is the floor for computed transfer timeouts. Per-byte
// time at the configured clock rate is added on top.
const baseTimeout = time.Second

// I2C transfer option bits carried in wValue.
const (
	i2cFlagRelinquish = 1 << 0
	i2cFlagNakLast    = 1 << 1
)

// I2CConfig is the host-visible subset of the chip's I2C master
// configuration. The remaining fields of the on-wire structure are
// fixed for master operation.
type I2CConfig struct {
	// Frequency is the SCL clock rate in Hz, 1 kHz to 400 kHz.
	Frequency uint32

	// ClockStretch allows peripherals to hold SCL low.
	ClockStretch bool
}

// DefaultI2CConfig is a standard-mode 400 kHz master setup.
var DefaultI2CConfig = I2CConfig{Frequency: cyusb.I2CMaxFrequency}

func (c I2CConfig) validate() error {
	if c.Frequency < cyusb.I2CMinFrequency || c.Frequency > cyusb.I2CMaxFrequency {
		return fmt.Errorf("%w: i2c frequency %d Hz out of range [%d, %d]",
			ErrInvalidConfiguration, c.Frequency, cyusb.I2CMinFrequency, cyusb.I2CMaxFrequency)
	}
	return nil
}

// encode lays the configuration out as the firmware expects it. The
// fixed bytes select MSB-first master mode with no slave address.
func (c I2CConfig) encode() []byte {
	raw := make([]byte, cyusb.I2CConfigLen)
	binary.LittleEndian.PutUint32(raw[0:4], c.Frequency)
	raw[4] = 0 // slave address
	raw[5] = 1 // MSB first
	raw[6] = 1 // master
	raw[7] = 0 // s_ignore
	if c.ClockStretch {
		raw[8] = 1
	}
	raw[9] = 0 // loopback
	return raw
}

func decodeI2CConfig(raw []byte) (I2CConfig, error) {
	if len(raw) < cyusb.I2CConfigLen {
		return I2CConfig{}, fmt.Errorf("short i2c configuration reply: %d bytes", len(raw))
	}
	return I2CConfig{
		Frequency:    binary.LittleEndian.Uint32(raw[0:4]),
		ClockStretch: raw[8] != 0,
	}, nil
}

// I2CController drives one SCB configured as an I2C master.
type I2CController struct {
	conn    transport.Conn
	logger  *zap.Logger
	timeout time.Duration
	freq    uint32
}

// NewI2CController wraps an open connection to an I2C-mode device. The
// device's current clock configuration is read so transfer timeouts
// can be sized to it.
func NewI2CController(conn transport.Conn, logger *zap.Logger, timeout time.Duration) (*I2CController, error) {
	c := &I2CController{
		conn:    conn,
		logger:  logger.With(zap.String("bus", "i2c"), zap.Int("scb", conn.SCBIndex())),
		timeout: timeout,
	}
	cfg, err := c.Config()
	if err != nil {
		return nil, fmt.Errorf("reading i2c configuration: %w", err)
	}
	c.freq = cfg.Frequency
	if c.freq == 0 {
		c.freq = cyusb.I2CMaxFrequency
	}
	return c, nil
}

func (c *I2CController) scbValue() uint16 {
	return uint16(c.conn.SCBIndex()) << cyusb.SCBIndexPos
}

// transferTimeout budgets roughly ten clock periods per byte on top of
// the base timeout, covering start, stop and clock stretching slack.
func (c *I2CController) transferTimeout(n int) time.Duration {
	bits := float64((n + 1) * 10)
	return baseTimeout + time.Duration(bits/float64(c.freq)*float64(time.Second))
}

// Config reads the current I2C master configuration from the device.
func (c *I2CController) Config() (I2CConfig, error) {
	raw, err := c.conn.ControlRead(cyusb.CmdI2CGetConfig, c.scbValue(), 0, cyusb.I2CConfigLen, c.timeout)
	if err != nil {
		return I2CConfig{}, err
	}
	return decodeI2CConfig(raw)
}

// SetConfig programs the I2C master configuration.
func (c *I2CController) SetConfig(cfg I2CConfig) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	if err := c.conn.ControlWrite(cyusb.CmdI2CSetConfig, c.scbValue(), 0, cfg.encode(), c.timeout); err != nil {
		return fmt.Errorf("writing i2c configuration: %w", err)
	}
	c.freq = cfg.Frequency
	c.logger.Debug("i2c configured", zap.Uint32("frequency_hz", cfg.Frequency),
		zap.Bool("clock_stretch", cfg.ClockStretch))
	return nil
}

func checkI2CTransfer(addr uint8, length int) error {
	if addr > cyusb.I2CMaxAddress {
		return fmt.Errorf("%w: i2c address 0x%02x out of 7-bit range", ErrInvalidConfiguration, addr)
	}
	if length <= 0 {
		return fmt.Errorf("%w: empty i2c transfer", ErrInvalidConfiguration)
	}
	if length > cyusb.I2CBufferSize {
		return fmt.Errorf("%w: %d bytes, i2c buffer is %d", ErrTransferTooLarge, length, cyusb.I2CBufferSize)
	}
	return nil
}

// Read performs a master read of length bytes from the 7-bit address.
// When relinquish is true (the common case) the engine issues a stop
// condition; otherwise it holds the bus for a repeated start.
func (c *I2CController) Read(addr uint8, length int, relinquish bool) ([]byte, error) {
	if err := checkI2CTransfer(addr, length); err != nil {
		return nil, err
	}

	value := c.scbValue() | uint16(addr)<<8 | i2cFlagNakLast
	if relinquish {
		value |= i2cFlagRelinquish
	}
	if err := c.conn.ControlWrite(cyusb.CmdI2CRead, value, uint16(length), nil, c.timeout); err != nil {
		return nil, fmt.Errorf("arming i2c read: %w", err)
	}

	timeout := c.transferTimeout(length)
	data, err := c.conn.BulkRead(length, timeout)
	if err != nil {
		// A NAK stalls the data endpoint before any bytes move. The
		// status register still holds the failure cause.
		if terr := c.statusError(cyusb.I2CModeRead); terr != nil {
			err = terr
		}
		c.resetModule(cyusb.I2CModeRead)
		return nil, fmt.Errorf("i2c read from 0x%02x: %w", addr, err)
	}

	notif, err := c.conn.InterruptRead(cyusb.I2CNotificationLen, timeout)
	if err != nil {
		c.resetModule(cyusb.I2CModeRead)
		return nil, fmt.Errorf("i2c read notification: %w", err)
	}
	if nerr := notificationError(notif); nerr != nil {
		c.resetModule(cyusb.I2CModeRead)
		return nil, fmt.Errorf("i2c read from 0x%02x: %w", addr, nerr)
	}
	return data, nil
}

// Write performs a master write to the 7-bit address. A NAK partway
// through is reported as a NackError carrying the acknowledged count.
func (c *I2CController) Write(addr uint8, data []byte, relinquish bool) error {
	if err := checkI2CTransfer(addr, len(data)); err != nil {
		return err
	}

	value := c.scbValue() | uint16(addr)<<8
	if relinquish {
		value |= i2cFlagRelinquish
	}
	if err := c.conn.ControlWrite(cyusb.CmdI2CWrite, value, uint16(len(data)), nil, c.timeout); err != nil {
		return fmt.Errorf("arming i2c write: %w", err)
	}

	timeout := c.transferTimeout(len(data))
	if err := c.conn.BulkWrite(data, timeout); err != nil {
		c.resetModule(cyusb.I2CModeWrite)
		return fmt.Errorf("i2c write to 0x%02x: %w", addr, err)
	}

	notif, err := c.conn.InterruptRead(cyusb.I2CNotificationLen, timeout)
	if err != nil {
		c.resetModule(cyusb.I2CModeWrite)
		return fmt.Errorf("i2c write notification: %w", err)
	}
	if nerr := notificationError(notif); nerr != nil {
		c.resetModule(cyusb.I2CModeWrite)
		return fmt.Errorf("i2c write to 0x%02x: %w", addr, nerr)
	}
	return nil
}

// statusError queries the bus status register and converts a reported
// failure into an error, or nil if the bus is clean.
func (c *I2CController) statusError(mode uint16) error {
	raw, err := c.conn.ControlRead(cyusb.CmdI2CGetStatus, c.scbValue()|mode, 0, cyusb.I2CStatusLen, c.timeout)
	if err != nil {
		c.logger.Warn("i2c status query failed", zap.Error(err))
		return nil
	}
	return notificationError(raw)
}

// notificationError decodes the 3-byte status/notification layout:
// error flags in byte 0, acknowledged byte count in bytes 1-2.
func notificationError(raw []byte) error {
	if len(raw) < cyusb.I2CStatusLen || raw[0]&cyusb.I2CStatusError == 0 {
		return nil
	}
	switch {
	case raw[0]&cyusb.I2CStatusArbitration != 0:
		return ErrArbitrationLost
	case raw[0]&cyusb.I2CStatusBusError != 0:
		return ErrBusError
	case raw[0]&cyusb.I2CStatusNAK != 0:
		return &NackError{BytesWritten: int(binary.LittleEndian.Uint16(raw[1:3]))}
	}
	return fmt.Errorf("i2c transfer failed, status 0x%02x", raw[0])
}

// resetModule clears the on-chip I2C block after a failed transfer so
// the next one starts from a clean bus.
func (c *I2CController) resetModule(mode uint16) {
	if err := c.conn.ControlWrite(cyusb.CmdI2CReset, c.scbValue()|mode, 0, nil, c.timeout); err != nil {
		c.logger.Warn("i2c module reset failed", zap.Error(err))
	}
}
