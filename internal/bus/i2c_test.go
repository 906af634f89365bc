package bus

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"scb-bridge/internal/cyusb"
	"scb-bridge/internal/transport/transporttest"
)

const testTimeout = time.Second

func newI2CUnderTest(t *testing.T) (*I2CController, *transporttest.Fake) {
	t.Helper()
	fake := transporttest.NewFake(nil)
	c, err := NewI2CController(fake, zap.NewNop(), testTimeout)
	if err != nil {
		t.Fatalf("NewI2CController: %v", err)
	}
	return c, fake
}

func TestI2CConfigRoundTrip(t *testing.T) {
	c, fake := newI2CUnderTest(t)

	cfg := I2CConfig{Frequency: 100000, ClockStretch: true}
	if err := c.SetConfig(cfg); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}

	raw := fake.I2CConfig()
	if len(raw) != cyusb.I2CConfigLen {
		t.Fatalf("wrote %d config bytes, want %d", len(raw), cyusb.I2CConfigLen)
	}
	if raw[5] != 1 || raw[6] != 1 {
		t.Errorf("config bytes 5,6 = %d,%d, want MSB-first master (1,1)", raw[5], raw[6])
	}

	got, err := c.Config()
	if err != nil {
		t.Fatalf("Config: %v", err)
	}
	if got != cfg {
		t.Errorf("Config() = %+v, want %+v", got, cfg)
	}
}

func TestI2CConfigValidation(t *testing.T) {
	c, _ := newI2CUnderTest(t)

	for _, freq := range []uint32{0, 999, 400001} {
		err := c.SetConfig(I2CConfig{Frequency: freq})
		if !errors.Is(err, ErrInvalidConfiguration) {
			t.Errorf("SetConfig(freq=%d) = %v, want ErrInvalidConfiguration", freq, err)
		}
	}
}

func TestI2CWriteThenRead(t *testing.T) {
	c, fake := newI2CUnderTest(t)
	eeprom := &transporttest.EEPROM{}
	fake.I2C[0x51] = eeprom

	// Set the address pointer to 0x0010 and store four bytes.
	if err := c.Write(0x51, []byte{0x00, 0x10, 0x01, 0x02, 0x03, 0x04}, true); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// Rewind the pointer and read them back.
	if err := c.Write(0x51, []byte{0x00, 0x10}, true); err != nil {
		t.Fatalf("Write (pointer): %v", err)
	}
	got, err := c.Read(0x51, 4, true)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	want := []byte{0x01, 0x02, 0x03, 0x04}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Read = % x, want % x", got, want)
		}
	}
}

func TestI2CWriteNack(t *testing.T) {
	c, fake := newI2CUnderTest(t)

	// No peripheral at 0x23: a multi-byte write must surface the NAK.
	err := c.Write(0x23, []byte{0x00, 0x01}, true)
	var nack *NackError
	if !errors.As(err, &nack) {
		t.Fatalf("Write to empty address = %v, want NackError", err)
	}
	if nack.BytesWritten != 0 {
		t.Errorf("BytesWritten = %d, want 0", nack.BytesWritten)
	}
	if fake.ResetCount() != 0 {
		t.Errorf("device reset count = %d, want 0 (module reset only)", fake.ResetCount())
	}
}

func TestI2CSingleByteWriteNackQuirk(t *testing.T) {
	c, _ := newI2CUnderTest(t)

	// The hardware cannot report a NAK on a one-byte write; it must
	// look like a success even with nothing on the bus.
	if err := c.Write(0x23, []byte{0x00}, true); err != nil {
		t.Fatalf("one-byte write to empty address = %v, want success", err)
	}
}

func TestI2CReadNack(t *testing.T) {
	c, _ := newI2CUnderTest(t)

	_, err := c.Read(0x23, 4, true)
	var nack *NackError
	if !errors.As(err, &nack) {
		t.Fatalf("Read from empty address = %v, want NackError", err)
	}
}

func TestI2CTransferLimits(t *testing.T) {
	c, _ := newI2CUnderTest(t)

	if err := c.Write(0x51, make([]byte, cyusb.I2CBufferSize+1), true); !errors.Is(err, ErrTransferTooLarge) {
		t.Errorf("oversize write = %v, want ErrTransferTooLarge", err)
	}
	if _, err := c.Read(0x51, cyusb.I2CBufferSize+1, true); !errors.Is(err, ErrTransferTooLarge) {
		t.Errorf("oversize read = %v, want ErrTransferTooLarge", err)
	}
	if err := c.Write(0x80, []byte{1, 2}, true); !errors.Is(err, ErrInvalidConfiguration) {
		t.Errorf("address 0x80 = %v, want ErrInvalidConfiguration", err)
	}
	if err := c.Write(0x51, nil, true); !errors.Is(err, ErrInvalidConfiguration) {
		t.Errorf("empty write = %v, want ErrInvalidConfiguration", err)
	}
}

func TestNotificationErrorPriority(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		want error
	}{
		{"clean", []byte{0, 0, 0}, nil},
		{"no error bit", []byte{cyusb.I2CStatusNAK, 0, 0}, nil},
		{"arbitration", []byte{cyusb.I2CStatusError | cyusb.I2CStatusArbitration | cyusb.I2CStatusNAK, 0, 0}, ErrArbitrationLost},
		{"bus error", []byte{cyusb.I2CStatusError | cyusb.I2CStatusBusError, 0, 0}, ErrBusError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := notificationError(tt.raw); !errors.Is(got, tt.want) {
				t.Errorf("notificationError(% x) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}

	err := notificationError([]byte{cyusb.I2CStatusError | cyusb.I2CStatusNAK, 3, 0})
	var nack *NackError
	if !errors.As(err, &nack) || nack.BytesWritten != 3 {
		t.Errorf("NAK status = %v, want NackError with 3 bytes written", err)
	}
}
