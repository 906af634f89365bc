package bus

import (
	"encoding/binary"
	"fmt"
	"time"

	"go.uber.org/zap"

	"scb-bridge/internal/cyusb"
	"scb-bridge/internal/transport"
)

// spiStatusPoll is how often completion is polled after the data phase.
const spiStatusPoll = 2 * time.Millisecond

// SPIProtocol selects the framing mode of the SPI block.
type SPIProtocol uint8

const (
	SPIProtocolMotorola SPIProtocol = 0
	SPIProtocolTI       SPIProtocol = 1
	SPIProtocolNS       SPIProtocol = 2
)

func (p SPIProtocol) String() string {
	switch p {
	case SPIProtocolMotorola:
		return "motorola"
	case SPIProtocolTI:
		return "ti"
	case SPIProtocolNS:
		return "national"
	default:
		return "unknown"
	}
}

// SPIConfig is the host-visible SPI master configuration.
type SPIConfig struct {
	// Frequency is the SCK rate in Hz, 1 kHz to 3 MHz.
	Frequency uint32

	// WordSize is the bits per SPI word, 4 to 16.
	WordSize uint8

	Protocol SPIProtocol

	// MSBFirst selects bit order within a word.
	MSBFirst bool

	// Continuous keeps the select line asserted between words.
	Continuous bool

	// SelectPrecede pulses select ahead of the first bit. Only
	// meaningful for the TI protocol.
	SelectPrecede bool

	// CPHA and CPOL are the Motorola clock phase and polarity.
	CPHA bool
	CPOL bool
}

// DefaultSPIConfig is 1 MHz Motorola mode 0, 8-bit words.
var DefaultSPIConfig = SPIConfig{
	Frequency:  1000000,
	WordSize:   8,
	Protocol:   SPIProtocolMotorola,
	MSBFirst:   true,
	Continuous: true,
}

func (c SPIConfig) validate() error {
	if c.Frequency < cyusb.SPIMinFrequency || c.Frequency > cyusb.SPIMaxFrequency {
		return fmt.Errorf("%w: spi frequency %d Hz out of range [%d, %d]",
			ErrInvalidConfiguration, c.Frequency, cyusb.SPIMinFrequency, cyusb.SPIMaxFrequency)
	}
	if c.WordSize < cyusb.SPIMinWordSize || c.WordSize > cyusb.SPIMaxWordSize {
		return fmt.Errorf("%w: spi word size %d out of range [%d, %d]",
			ErrInvalidConfiguration, c.WordSize, cyusb.SPIMinWordSize, cyusb.SPIMaxWordSize)
	}
	switch c.Protocol {
	case SPIProtocolMotorola:
	case SPIProtocolTI:
		// The TI framing fixes the clock relationship in hardware.
		if c.CPHA || c.CPOL {
			return fmt.Errorf("%w: ti protocol does not support cpha/cpol", ErrInvalidConfiguration)
		}
	case SPIProtocolNS:
		if c.CPHA || c.CPOL {
			return fmt.Errorf("%w: national protocol does not support cpha/cpol", ErrInvalidConfiguration)
		}
	default:
		return fmt.Errorf("%w: unknown spi protocol %d", ErrInvalidConfiguration, c.Protocol)
	}
	return nil
}

func (c SPIConfig) encode() []byte {
	raw := make([]byte, cyusb.SPIConfigLen)
	binary.LittleEndian.PutUint32(raw[0:4], c.Frequency)
	raw[4] = c.WordSize
	raw[5] = byte(c.Protocol)
	raw[6] = 0 // xfer mode
	raw[7] = boolByte(c.MSBFirst)
	raw[8] = 1 // master
	raw[9] = boolByte(c.Continuous)
	raw[10] = boolByte(c.SelectPrecede)
	raw[11] = boolByte(c.CPHA)
	raw[12] = boolByte(c.CPOL)
	raw[13] = 0 // loopback
	return raw
}

func decodeSPIConfig(raw []byte) (SPIConfig, error) {
	if len(raw) < cyusb.SPIConfigLen {
		return SPIConfig{}, fmt.Errorf("short spi configuration reply: %d bytes", len(raw))
	}
	return SPIConfig{
		Frequency:     binary.LittleEndian.Uint32(raw[0:4]),
		WordSize:      raw[4],
		Protocol:      SPIProtocol(raw[5]),
		MSBFirst:      raw[7] != 0,
		Continuous:    raw[9] != 0,
		SelectPrecede: raw[10] != 0,
		CPHA:          raw[11] != 0,
		CPOL:          raw[12] != 0,
	}, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// SPIController drives one SCB configured as an SPI master.
type SPIController struct {
	conn    transport.Conn
	logger  *zap.Logger
	timeout time.Duration
	freq    uint32
}

// NewSPIController wraps an open connection to an SPI-mode device.
func NewSPIController(conn transport.Conn, logger *zap.Logger, timeout time.Duration) (*SPIController, error) {
	c := &SPIController{
		conn:    conn,
		logger:  logger.With(zap.String("bus", "spi"), zap.Int("scb", conn.SCBIndex())),
		timeout: timeout,
	}
	cfg, err := c.Config()
	if err != nil {
		return nil, fmt.Errorf("reading spi configuration: %w", err)
	}
	c.freq = cfg.Frequency
	if c.freq == 0 {
		c.freq = DefaultSPIConfig.Frequency
	}
	return c, nil
}

func (c *SPIController) scbValue() uint16 {
	return uint16(c.conn.SCBIndex()) << cyusb.SCBIndexPos
}

func (c *SPIController) transferTimeout(n int) time.Duration {
	bits := float64((n + 1) * 8)
	return baseTimeout + time.Duration(bits/float64(c.freq)*float64(time.Second))
}

// Config reads the current SPI master configuration from the device.
func (c *SPIController) Config() (SPIConfig, error) {
	raw, err := c.conn.ControlRead(cyusb.CmdSPIGetConfig, c.scbValue(), 0, cyusb.SPIConfigLen, c.timeout)
	if err != nil {
		return SPIConfig{}, err
	}
	return decodeSPIConfig(raw)
}

// SetConfig programs the SPI master configuration.
func (c *SPIController) SetConfig(cfg SPIConfig) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	if err := c.conn.ControlWrite(cyusb.CmdSPISetConfig, c.scbValue(), 0, cfg.encode(), c.timeout); err != nil {
		return fmt.Errorf("writing spi configuration: %w", err)
	}
	c.freq = cfg.Frequency
	c.logger.Debug("spi configured", zap.Uint32("frequency_hz", cfg.Frequency),
		zap.Stringer("protocol", cfg.Protocol), zap.Uint8("word_size", cfg.WordSize))
	return nil
}

func checkSPITransfer(length int) error {
	if length <= 0 {
		return fmt.Errorf("%w: empty spi transfer", ErrInvalidConfiguration)
	}
	if length > cyusb.SPIBufferSize {
		return fmt.Errorf("%w: %d bytes, spi buffer is %d", ErrTransferTooLarge, length, cyusb.SPIBufferSize)
	}
	return nil
}

// Transfer shifts tx out while capturing the same number of bytes in,
// full duplex. Both bulk endpoints are serviced concurrently because
// the device streams in lockstep with the clock.
func (c *SPIController) Transfer(tx []byte) ([]byte, error) {
	if err := checkSPITransfer(len(tx)); err != nil {
		return nil, err
	}
	value := c.scbValue() | cyusb.SPIReadBit | cyusb.SPIWriteBit
	if err := c.conn.ControlWrite(cyusb.CmdSPIReadWrite, value, uint16(len(tx)), nil, c.timeout); err != nil {
		return nil, fmt.Errorf("arming spi transfer: %w", err)
	}

	timeout := c.transferTimeout(len(tx))
	writeErr := make(chan error, 1)
	go func() {
		writeErr <- c.conn.BulkWrite(tx, timeout)
	}()
	rx, rerr := c.conn.BulkRead(len(tx), timeout)
	werr := <-writeErr

	if werr != nil {
		c.resetModule()
		return nil, fmt.Errorf("spi transfer out: %w", werr)
	}
	if rerr != nil {
		c.resetModule()
		return nil, fmt.Errorf("spi transfer in: %w", rerr)
	}
	if err := c.waitDone(timeout); err != nil {
		c.resetModule()
		return nil, err
	}
	return rx, nil
}

// Write shifts tx out and discards the incoming bytes.
func (c *SPIController) Write(tx []byte) error {
	if err := checkSPITransfer(len(tx)); err != nil {
		return err
	}
	value := c.scbValue() | cyusb.SPIWriteBit
	if err := c.conn.ControlWrite(cyusb.CmdSPIReadWrite, value, uint16(len(tx)), nil, c.timeout); err != nil {
		return fmt.Errorf("arming spi write: %w", err)
	}
	timeout := c.transferTimeout(len(tx))
	if err := c.conn.BulkWrite(tx, timeout); err != nil {
		c.resetModule()
		return fmt.Errorf("spi write: %w", err)
	}
	if err := c.waitDone(timeout); err != nil {
		c.resetModule()
		return err
	}
	return nil
}

// Read captures length incoming bytes while shifting out idle fill.
func (c *SPIController) Read(length int) ([]byte, error) {
	if err := checkSPITransfer(length); err != nil {
		return nil, err
	}
	value := c.scbValue() | cyusb.SPIReadBit
	if err := c.conn.ControlWrite(cyusb.CmdSPIReadWrite, value, uint16(length), nil, c.timeout); err != nil {
		return nil, fmt.Errorf("arming spi read: %w", err)
	}
	timeout := c.transferTimeout(length)
	rx, err := c.conn.BulkRead(length, timeout)
	if err != nil {
		c.resetModule()
		return nil, fmt.Errorf("spi read: %w", err)
	}
	if err := c.waitDone(timeout); err != nil {
		c.resetModule()
		return nil, err
	}
	return rx, nil
}

// waitDone polls the SPI status register until the device reports the
// transfer drained. All-zero status bytes mean complete.
func (c *SPIController) waitDone(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		raw, err := c.conn.ControlRead(cyusb.CmdSPIGetStatus, c.scbValue(), 0, cyusb.SPIStatusLen, c.timeout)
		if err != nil {
			return fmt.Errorf("spi status query: %w", err)
		}
		if len(raw) >= cyusb.SPIStatusLen && raw[0]|raw[1]|raw[2]|raw[3] == 0 {
			return nil
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("%w after %s", ErrTransferStalled, timeout)
		}
		time.Sleep(spiStatusPoll)
	}
}

// resetModule clears the on-chip SPI block after a failed transfer.
func (c *SPIController) resetModule() {
	if err := c.conn.ControlWrite(cyusb.CmdSPIReset, c.scbValue(), 0, nil, c.timeout); err != nil {
		c.logger.Warn("spi module reset failed", zap.Error(err))
	}
}
