// Package transporttest provides an in-memory bridge device implementing
// transport.Conn against a model of the vendor wire protocol, plus simple
// I2C and SPI peripheral models for exercising the bus engines without
// hardware.
package transporttest

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"scb-bridge/internal/cyusb"
	"scb-bridge/internal/transport"
)

// I2CPeripheral models one device on the fake I2C bus.
type I2CPeripheral interface {
	// WriteBytes receives a master write. It returns how many data bytes
	// were acknowledged and whether the whole transfer was acked.
	WriteBytes(data []byte) (accepted int, ok bool)

	// ReadBytes services a master read of n bytes. ok is false when the
	// peripheral NAKs its address.
	ReadBytes(n int) (data []byte, ok bool)
}

// SPIPeripheral models the device on the fake SPI bus.
type SPIPeripheral interface {
	// Transfer shifts tx out and returns the same number of rx bytes.
	Transfer(tx []byte) []byte
}

type pendingOp struct {
	kind       byte // 'w' for I2C write, 's' for SPI
	addr       uint8
	length     int
	relinquish bool
	spiRead    bool
}

// Fake emulates the bridge's control, bulk and interrupt protocol.
type Fake struct {
	mu sync.Mutex

	// ConfigBlock is the emulated configuration table.
	ConfigBlock []byte

	// OnReset, if set, runs when the device receives the reset command.
	// Mode-switch tests use it to emulate re-enumeration.
	OnReset func()

	// I2C peripherals by 7-bit address. Addresses not present NAK.
	I2C map[uint8]I2CPeripheral

	// SPI is the peripheral on the SPI chip select.
	SPI SPIPeripheral

	mfgMode    bool
	resetCount int
	userFlash  [cyusb.UserFlashSize]byte
	i2cConfig  []byte
	spiConfig  []byte

	i2cStatus [2][3]byte // by direction: read, write
	pending   *pendingOp
	bulkInQ   [][]byte
	intrQ     [][]byte
	closed    bool
}

// NewFake builds a fake device around the given configuration table.
func NewFake(configBlock []byte) *Fake {
	return &Fake{
		ConfigBlock: append([]byte(nil), configBlock...),
		I2C:         make(map[uint8]I2CPeripheral),
		i2cConfig:   make([]byte, cyusb.I2CConfigLen),
		spiConfig:   make([]byte, cyusb.SPIConfigLen),
	}
}

// ResetCount reports how many reset commands the device has received.
func (f *Fake) ResetCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resetCount
}

// InMfgMode reports whether the configuration command gate is open.
func (f *Fake) InMfgMode() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mfgMode
}

// UserFlash returns a copy of the emulated user flash area.
func (f *Fake) UserFlash() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.userFlash[:]...)
}

// I2CConfig returns the raw I2C configuration last written to the device.
func (f *Fake) I2CConfig() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.i2cConfig...)
}

// SPIConfig returns the raw SPI configuration last written to the device.
func (f *Fake) SPIConfig() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.spiConfig...)
}

func (f *Fake) SCBIndex() int { return 0 }

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *Fake) ControlRead(request uint8, value, index uint16, length int, _ time.Duration) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, transport.ErrDeviceDisconnected
	}

	switch request {
	case cyusb.CmdGetSignature:
		return []byte("CYUS"), nil
	case cyusb.CmdGetVersion:
		return []byte{1, 0, 3, 0, 78, 0, 0, 0}, nil
	case cyusb.CmdGetSiliconID:
		return []byte{0xAA, 0x02, 0x96, 0x1E}, nil
	case cyusb.CmdReadConfig:
		if !f.mfgMode {
			return nil, transport.ErrPipe
		}
		if length > len(f.ConfigBlock) {
			length = len(f.ConfigBlock)
		}
		return append([]byte(nil), f.ConfigBlock[:length]...), nil
	case cyusb.CmdReadUserFlash:
		if int(index)+length > len(f.userFlash) {
			return nil, transport.ErrPipe
		}
		return append([]byte(nil), f.userFlash[index:int(index)+length]...), nil
	case cyusb.CmdI2CGetConfig:
		return append([]byte(nil), f.i2cConfig...), nil
	case cyusb.CmdSPIGetConfig:
		return append([]byte(nil), f.spiConfig...), nil
	case cyusb.CmdI2CGetStatus:
		mode := value & 1
		return append([]byte(nil), f.i2cStatus[mode][:]...), nil
	case cyusb.CmdSPIGetStatus:
		// All zeroes signals transfer complete; the fake completes
		// transfers synchronously.
		return []byte{0, 0, 0, 0}, nil
	}
	return nil, fmt.Errorf("fake device: unsupported control read 0x%02x", request)
}

func (f *Fake) ControlWrite(request uint8, value, index uint16, data []byte, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return transport.ErrDeviceDisconnected
	}

	switch request {
	case cyusb.CmdEnterMfgMode:
		if value != cyusb.MfgModeValue {
			return transport.ErrPipe
		}
		f.mfgMode = index == cyusb.MfgModeEnable
		return nil
	case cyusb.CmdProgConfig:
		if !f.mfgMode {
			return transport.ErrPipe
		}
		f.ConfigBlock = append([]byte(nil), data...)
		return nil
	case cyusb.CmdDeviceReset:
		if value != cyusb.ResetValue || index != cyusb.ResetIndex {
			return transport.ErrPipe
		}
		f.resetCount++
		f.mfgMode = false
		if f.OnReset != nil {
			// The callback may touch the fake again.
			cb := f.OnReset
			f.mu.Unlock()
			cb()
			f.mu.Lock()
		}
		// The real chip drops off the bus before the transfer finishes.
		return transport.ErrPipe
	case cyusb.CmdProgUserFlash:
		if int(index)+len(data) > len(f.userFlash) {
			return transport.ErrPipe
		}
		copy(f.userFlash[index:], data)
		return nil
	case cyusb.CmdI2CSetConfig:
		f.i2cConfig = append([]byte(nil), data...)
		return nil
	case cyusb.CmdSPISetConfig:
		f.spiConfig = append([]byte(nil), data...)
		return nil
	case cyusb.CmdI2CReset:
		f.i2cStatus[value&1] = [3]byte{}
		f.pending = nil
		return nil
	case cyusb.CmdSPIReset:
		f.pending = nil
		return nil
	case cyusb.CmdI2CWrite:
		f.pending = &pendingOp{
			kind:       'w',
			addr:       uint8(value >> 8 & 0x7F),
			length:     int(index),
			relinquish: value&1 != 0,
		}
		return nil
	case cyusb.CmdI2CRead:
		f.startI2CRead(uint8(value>>8&0x7F), int(index))
		return nil
	case cyusb.CmdSPIReadWrite:
		read := value&cyusb.SPIReadBit != 0
		write := value&cyusb.SPIWriteBit != 0
		if !write {
			// Read-only shifts out idle bytes with no bulk-out phase.
			if read {
				f.finishSPITransfer(make([]byte, index), true)
			}
			return nil
		}
		f.pending = &pendingOp{kind: 's', length: int(index), spiRead: read}
		return nil
	}
	return fmt.Errorf("fake device: unsupported control write 0x%02x", request)
}

// startI2CRead executes a master read against the peripheral model. On a
// NAK the data endpoint stalls and the status register records the error,
// which is how the hardware behaves.
func (f *Fake) startI2CRead(addr uint8, length int) {
	p, present := f.I2C[addr]
	if !present {
		f.i2cStatus[cyusb.I2CModeRead] = [3]byte{cyusb.I2CStatusError | cyusb.I2CStatusNAK, 0, 0}
		return
	}
	data, ok := p.ReadBytes(length)
	if !ok {
		f.i2cStatus[cyusb.I2CModeRead] = [3]byte{cyusb.I2CStatusError | cyusb.I2CStatusNAK, 0, 0}
		return
	}
	f.i2cStatus[cyusb.I2CModeRead] = [3]byte{}
	f.bulkInQ = append(f.bulkInQ, data)
	f.intrQ = append(f.intrQ, []byte{0, 0, 0})
}

func (f *Fake) BulkWrite(data []byte, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return transport.ErrDeviceDisconnected
	}
	op := f.pending
	if op == nil {
		return transport.ErrPipe
	}
	f.pending = nil

	switch op.kind {
	case 'w':
		f.finishI2CWrite(op, data)
		return nil
	case 's':
		f.finishSPITransfer(data, op.spiRead)
		return nil
	}
	return transport.ErrPipe
}

// finishI2CWrite applies a master write to the peripheral model and
// queues the completion notification.
func (f *Fake) finishI2CWrite(op *pendingOp, data []byte) {
	p, present := f.I2C[op.addr]
	accepted := 0
	ok := false
	if present {
		accepted, ok = p.WriteBytes(data)
	}

	// Quirk observed on real hardware: a failed one-byte write is
	// reported as a success. Kept so tests document the limitation.
	if !ok && len(data) == 1 {
		ok = true
		accepted = len(data)
	}

	status := [3]byte{}
	if !ok {
		status[0] = cyusb.I2CStatusError | cyusb.I2CStatusNAK
		binary.LittleEndian.PutUint16(status[1:], uint16(accepted))
	}
	f.i2cStatus[cyusb.I2CModeWrite] = status
	f.intrQ = append(f.intrQ, append([]byte(nil), status[:]...))
}

func (f *Fake) finishSPITransfer(tx []byte, queueRx bool) {
	rx := make([]byte, len(tx))
	if f.SPI != nil {
		rx = f.SPI.Transfer(tx)
	}
	if queueRx {
		f.bulkInQ = append(f.bulkInQ, rx)
	}
}

func (f *Fake) BulkRead(length int, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	f.mu.Lock()
	defer f.mu.Unlock()
	// Full-duplex callers issue the bulk-out from another goroutine, so
	// wait for data instead of failing on an empty queue.
	for len(f.bulkInQ) == 0 {
		if f.closed {
			return nil, transport.ErrDeviceDisconnected
		}
		// A NAKed read stalls the data endpoint.
		if f.i2cStatus[cyusb.I2CModeRead][0]&cyusb.I2CStatusError != 0 {
			return nil, transport.ErrPipe
		}
		if !time.Now().Before(deadline) {
			return nil, transport.ErrTransferTimeout
		}
		f.mu.Unlock()
		time.Sleep(time.Millisecond)
		f.mu.Lock()
	}
	data := f.bulkInQ[0]
	f.bulkInQ = f.bulkInQ[1:]
	if len(data) > length {
		data = data[:length]
	}
	return data, nil
}

func (f *Fake) InterruptRead(length int, _ time.Duration) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, transport.ErrDeviceDisconnected
	}
	if len(f.intrQ) == 0 {
		return nil, transport.ErrTransferTimeout
	}
	data := f.intrQ[0]
	f.intrQ = f.intrQ[1:]
	if len(data) > length {
		data = data[:length]
	}
	return data, nil
}

// EEPROM is a 24-series style I2C memory with a two-byte address pointer.
type EEPROM struct {
	Mem  [65536]byte
	addr int
}

func (e *EEPROM) WriteBytes(data []byte) (int, bool) {
	if len(data) >= 2 {
		e.addr = int(data[0])<<8 | int(data[1])
		for i, b := range data[2:] {
			e.Mem[(e.addr+i)%len(e.Mem)] = b
		}
	}
	return len(data), true
}

func (e *EEPROM) ReadBytes(n int) ([]byte, bool) {
	out := make([]byte, n)
	for i := range out {
		out[i] = e.Mem[(e.addr+i)%len(e.Mem)]
	}
	e.addr += n
	return out, true
}

// SPIFlash models the status-register subset of a 25-series SPI flash:
// write-enable (0x06), write-disable (0x04) and read-status (0x05).
type SPIFlash struct {
	Status byte
}

func (s *SPIFlash) Transfer(tx []byte) []byte {
	rx := make([]byte, len(tx))
	if len(tx) == 0 {
		return rx
	}
	switch tx[0] {
	case 0x06:
		s.Status |= 0x02
	case 0x04:
		s.Status &^= 0x02
	case 0x05:
		for i := 1; i < len(rx); i++ {
			rx[i] = s.Status
		}
	}
	return rx
}
