package configblock

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"scb-bridge/internal/cyusb"
)

// buildTestBlock assembles a synthetic but structurally valid block the
// same way a device dump would look: magic, version, identity, strings,
// and a correct checksum over everything past the header.
func buildTestBlock(t *testing.T, major byte) []byte {
	t.Helper()

	size := blockSizeForVersion(major)
	if size == 0 {
		t.Fatalf("no block size for major version %d", major)
	}
	raw := make([]byte, size)
	copy(raw, blockMagic)
	raw[versionOffset] = major
	raw[versionOffset+2] = 3 // patch version, as seen on real firmware

	raw[deviceTypeOffset] = byte(cyusb.TypeI2C)
	binary.LittleEndian.PutUint16(raw[vidOffset:], 0x04B4)
	binary.LittleEndian.PutUint16(raw[pidOffset:], 0xE010)

	// Opaque mode settings region with the known-good I2C pattern.
	copy(raw[modeSettingsOffset:], []byte{0x00, 0x02, 0x08, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00})

	// Serial number "SB0042", UTF-16LE with presence flag and biased length.
	binary.LittleEndian.PutUint32(raw[serialFlagOffset:], 0xFFFFFFFF)
	serial := encodeUTF16LE("SB0042")
	raw[serialDataOffset] = byte(len(serial) + 2)
	raw[serialDataOffset+1] = 0x03
	copy(raw[serialDataOffset+2:], serial)

	// Product string.
	binary.LittleEndian.PutUint32(raw[productFlagOffset:], 0xFFFFFFFF)
	product := encodeUTF16LE("USB-Serial Bridge")
	raw[productDataOffset] = byte(len(product) + 2)
	raw[productDataOffset+1] = 0x03
	copy(raw[productDataOffset+2:], product)

	// Manufacturer flag explicitly absent.
	binary.LittleEndian.PutUint32(raw[mfgrFlagOffset:], 0)

	var sum uint32
	for off := checksumStart; off < len(raw); off += 4 {
		sum += binary.LittleEndian.Uint32(raw[off:])
	}
	binary.LittleEndian.PutUint32(raw[checksumOffset:], sum)
	return raw
}

func TestDecode(t *testing.T) {
	raw := buildTestBlock(t, 1)

	b, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	major, minor, patch := b.FormatVersion()
	if major != 1 || minor != 0 || patch != 3 {
		t.Errorf("FormatVersion() = %d.%d.%d, want 1.0.3", major, minor, patch)
	}
	if got := b.DeviceType(); got != cyusb.TypeI2C {
		t.Errorf("DeviceType() = %s, want I2C", got)
	}
	if b.VID() != 0x04B4 || b.PID() != 0xE010 {
		t.Errorf("identity = %04x:%04x, want 04b4:e010", b.VID(), b.PID())
	}
	if serial, ok := b.SerialNumber(); !ok || serial != "SB0042" {
		t.Errorf("SerialNumber() = %q, %v; want SB0042, true", serial, ok)
	}
	if product, ok := b.ProductString(); !ok || product != "USB-Serial Bridge" {
		t.Errorf("ProductString() = %q, %v", product, ok)
	}
	if _, ok := b.ManufacturerString(); ok {
		t.Error("ManufacturerString() reported present on a cleared field")
	}
	if !bytes.Equal(b.Raw(), raw) {
		t.Error("Raw() does not retain the decoded bytes verbatim")
	}
}

func TestDecodeTrimsTrailingBytes(t *testing.T) {
	// Some dump files carry extra bytes past the 512 byte block.
	raw := append(buildTestBlock(t, 1), 0xDE, 0xAD, 0xBE, 0xEF)

	b, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if b.Size() != 512 {
		t.Errorf("Size() = %d, want 512", b.Size())
	}
}

func TestDecodeErrors(t *testing.T) {
	valid := buildTestBlock(t, 1)

	corrupt := func(off int, val byte) []byte {
		raw := append([]byte(nil), valid...)
		raw[off] = val
		return raw
	}

	tests := []struct {
		name    string
		input   []byte
		wantErr error
	}{
		{"empty", nil, ErrMalformedBlock},
		{"too short for header", valid[:8], ErrMalformedBlock},
		{"bad magic", corrupt(0, 'X'), ErrMalformedBlock},
		{"truncated v1 block", valid[:256], ErrMalformedBlock},
		{"unknown version", corrupt(versionOffset, 9), ErrUnsupportedVersion},
		{"version zero", corrupt(versionOffset, 0), ErrUnsupportedVersion},
		{"corrupted payload", corrupt(0x200-1, valid[0x200-1]^0x01), ErrChecksum},
		{"stale checksum", corrupt(checksumOffset, valid[checksumOffset]^0x01), ErrChecksum},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.input)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Decode() error = %v, want %v", err, tt.wantErr)
			}
			// Each failure must report exactly one kind.
			for _, other := range []error{ErrMalformedBlock, ErrUnsupportedVersion, ErrChecksum} {
				if other != tt.wantErr && errors.Is(err, other) {
					t.Errorf("Decode() error %v also matches %v", err, other)
				}
			}
		})
	}
}

func TestDecodeRejectsGarbageStringFlags(t *testing.T) {
	// A half-set presence flag means flash corruption, not an absent
	// string, even when the checksum still adds up.
	reseal := func(raw []byte) {
		var sum uint32
		for off := checksumStart; off < len(raw); off += 4 {
			sum += binary.LittleEndian.Uint32(raw[off:])
		}
		binary.LittleEndian.PutUint32(raw[checksumOffset:], sum)
	}

	tests := []struct {
		name    string
		flagOff int
	}{
		{"manufacturer flag", mfgrFlagOffset},
		{"product flag", productFlagOffset},
		{"serial flag", serialFlagOffset},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := buildTestBlock(t, 1)
			binary.LittleEndian.PutUint32(raw[tt.flagOff:], 0x0000FFFF)
			reseal(raw)

			if _, err := Decode(raw); !errors.Is(err, ErrMalformedBlock) {
				t.Errorf("Decode() error = %v, want ErrMalformedBlock", err)
			}
		})
	}
}

func TestDecodeVersion2(t *testing.T) {
	raw := buildTestBlock(t, 2)

	b, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if b.Size() != 1024 {
		t.Errorf("Size() = %d, want 1024", b.Size())
	}
	if _, err := Decode(raw[:512]); !errors.Is(err, ErrMalformedBlock) {
		t.Errorf("Decode(short v2) error = %v, want ErrMalformedBlock", err)
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	raw := buildTestBlock(t, 1)

	b, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	encoded := b.Encode()
	if !bytes.Equal(encoded, raw) {
		t.Error("Encode() changed bytes of an unmutated block")
	}

	b2, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode(Encode()) error = %v", err)
	}
	if !bytes.Equal(b2.Raw(), b.Raw()) {
		t.Error("decode/encode round trip is not byte identical")
	}
}

func TestChecksumSensitivity(t *testing.T) {
	raw := buildTestBlock(t, 1)

	// Flipping any single bit in the checksummed region must be caught.
	for off := checksumStart; off < len(raw); off++ {
		for bit := 0; bit < 8; bit++ {
			flipped := append([]byte(nil), raw...)
			flipped[off] ^= 1 << bit
			if _, err := Decode(flipped); !errors.Is(err, ErrChecksum) {
				t.Fatalf("bit %d of byte 0x%x flipped: Decode() error = %v, want ErrChecksum", bit, off, err)
			}
		}
	}
}

func TestWithType(t *testing.T) {
	b, err := Decode(buildTestBlock(t, 1))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	mutated := b.WithType(cyusb.TypeSPI)

	re, err := Decode(mutated.Encode())
	if err != nil {
		t.Fatalf("Decode(Encode()) error = %v", err)
	}
	if got := re.DeviceType(); got != cyusb.TypeSPI {
		t.Errorf("DeviceType() = %s, want SPI", got)
	}
	if b.DeviceType() != cyusb.TypeI2C {
		t.Error("WithType mutated the original block")
	}
	assertOnlyRangesChanged(t, b.Encode(), mutated.Encode(), byteRange{deviceTypeOffset, deviceTypeOffset + 1})
}

func TestWithVIDPID(t *testing.T) {
	b, err := Decode(buildTestBlock(t, 1))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	mutated := b.WithVIDPID(0x1234, 0x5678)
	re, err := Decode(mutated.Encode())
	if err != nil {
		t.Fatalf("Decode(Encode()) error = %v", err)
	}
	if re.VID() != 0x1234 || re.PID() != 0x5678 {
		t.Errorf("identity = %04x:%04x, want 1234:5678", re.VID(), re.PID())
	}
	assertOnlyRangesChanged(t, b.Encode(), mutated.Encode(), byteRange{vidOffset, pidOffset + 2})
}

func TestWithSerial(t *testing.T) {
	b, err := Decode(buildTestBlock(t, 1))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	t.Run("replace", func(t *testing.T) {
		mutated, err := b.WithSerial("A1B2C3")
		if err != nil {
			t.Fatalf("WithSerial() error = %v", err)
		}
		re, err := Decode(mutated.Encode())
		if err != nil {
			t.Fatalf("Decode(Encode()) error = %v", err)
		}
		if serial, ok := re.SerialNumber(); !ok || serial != "A1B2C3" {
			t.Errorf("SerialNumber() = %q, %v", serial, ok)
		}
		assertOnlyRangesChanged(t, b.Encode(), mutated.Encode(),
			byteRange{serialFlagOffset, serialFlagOffset + 4},
			byteRange{serialDataOffset, serialDataOffset + 2 + stringDataBytes})
	})

	t.Run("clear", func(t *testing.T) {
		mutated, err := b.WithSerial("")
		if err != nil {
			t.Fatalf("WithSerial() error = %v", err)
		}
		re, err := Decode(mutated.Encode())
		if err != nil {
			t.Fatalf("Decode(Encode()) error = %v", err)
		}
		if _, ok := re.SerialNumber(); ok {
			t.Error("SerialNumber() still present after clearing")
		}
	})

	t.Run("non-alphanumeric rejected", func(t *testing.T) {
		if _, err := b.WithSerial("AB-01"); err == nil {
			t.Error("WithSerial() accepted a non-alphanumeric serial")
		}
	})

	t.Run("too long rejected", func(t *testing.T) {
		if _, err := b.WithSerial("0123456789012345678901234567890123"); err == nil {
			t.Error("WithSerial() accepted a serial longer than the field")
		}
	})
}

func TestWithModeSettings(t *testing.T) {
	b, err := Decode(buildTestBlock(t, 1))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	spiSettings := []byte{0x00, 0x08, 0x00, 0x00, 0x01, 0x01, 0x01, 0x00, 0x00}
	mutated, err := b.WithModeSettings(spiSettings)
	if err != nil {
		t.Fatalf("WithModeSettings() error = %v", err)
	}
	re, err := Decode(mutated.Encode())
	if err != nil {
		t.Fatalf("Decode(Encode()) error = %v", err)
	}
	if !bytes.Equal(re.ModeSettings(), spiSettings) {
		t.Errorf("ModeSettings() = %x, want %x", re.ModeSettings(), spiSettings)
	}

	if _, err := b.WithModeSettings([]byte{1, 2, 3}); err == nil {
		t.Error("WithModeSettings() accepted a short region")
	}
}

type byteRange struct{ start, end int }

// assertOnlyRangesChanged verifies that two encoded blocks differ only
// inside the given ranges and the checksum field.
func assertOnlyRangesChanged(t *testing.T, before, after []byte, allowed ...byteRange) {
	t.Helper()

	allowed = append(allowed, byteRange{checksumOffset, checksumOffset + 4})
	for i := range before {
		if before[i] == after[i] {
			continue
		}
		ok := false
		for _, r := range allowed {
			if i >= r.start && i < r.end {
				ok = true
				break
			}
		}
		if !ok {
			t.Errorf("byte 0x%x changed (0x%02x -> 0x%02x) outside the mutated field", i, before[i], after[i])
		}
	}
}
