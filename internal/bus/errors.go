package bus

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfiguration reports a bus configuration the device
	// cannot accept, such as an out-of-range clock frequency.
	ErrInvalidConfiguration = errors.New("invalid bus configuration")

	// ErrTransferTooLarge reports a transfer that exceeds the chip's
	// on-board buffer for the bus. The bridge cannot split transfers
	// without releasing the bus in between, so oversize requests are
	// rejected rather than silently chunked.
	ErrTransferTooLarge = errors.New("transfer exceeds device buffer")

	// ErrArbitrationLost reports a lost I2C bus arbitration.
	ErrArbitrationLost = errors.New("i2c arbitration lost")

	// ErrBusError reports an I2C bus protocol error, typically a
	// misplaced start or stop condition.
	ErrBusError = errors.New("i2c bus error")

	// ErrTransferStalled reports an SPI transfer the device never
	// reported complete.
	ErrTransferStalled = errors.New("spi transfer did not complete")
)

// NackError reports an I2C transfer that a peripheral did not
// acknowledge.
//
// Note that the hardware cannot report a NAK on a one-byte write; such
// writes appear to succeed even with no peripheral on the bus.
type NackError struct {
	// BytesWritten is how many bytes the peripheral acknowledged before
	// the NAK. It is zero for reads and for address NAKs.
	BytesWritten int
}

func (e *NackError) Error() string {
	return fmt.Sprintf("i2c transfer not acknowledged after %d bytes", e.BytesWritten)
}
