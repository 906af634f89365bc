// Package configblock implements the codec for the CY7C652xx flash
// configuration block, the record that defines a device's USB identity and
// bus-mode defaults.
//
// The format is only partially reverse engineered. The codec therefore
// never builds a block from scratch: a Block can only be obtained by
// decoding bytes read from a live device (or a saved dump) and every
// mutator patches just the byte ranges it owns, leaving everything that is
// not understood bit-for-bit intact. Writing an invented layout to the
// chip can brick it permanently.
package configblock

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode/utf16"

	"scb-bridge/internal/cyusb"
)

// Error kinds reported by Decode. Wrapped with context; match with
// errors.Is.
var (
	ErrMalformedBlock     = errors.New("malformed configuration block")
	ErrUnsupportedVersion = errors.New("unsupported configuration block version")
	ErrChecksum           = errors.New("configuration block checksum mismatch")
)

// Field offsets within the block. Identical in both known format
// versions; version 2 blocks are larger but keep the same header layout.
const (
	magicOffset    = 0x00
	versionOffset  = 0x04
	checksumOffset = 0x08
	checksumStart  = 0x0C

	deviceTypeOffset   = 0x1C
	modeSettingsOffset = 0x27
	modeSettingsEnd    = 0x30
	capSenseOffset     = 0x4C
	vidOffset          = 0x94
	pidOffset          = 0x96

	mfgrFlagOffset    = 0xA0
	productFlagOffset = 0xA4
	serialFlagOffset  = 0xA8
	mfgrDataOffset    = 0xEE
	productDataOffset = 0x130
	serialDataOffset  = 0x172

	stringDataBytes = 64
)

const blockMagic = "CYUS"

// ModeSettingsLen is the length of the opaque per-mode default settings
// region at 0x27.
const ModeSettingsLen = modeSettingsEnd - modeSettingsOffset

// SizeForVersion returns the full block size in bytes for a known major
// format version, or 0 if the version is unknown.
func SizeForVersion(major byte) int {
	return blockSizeForVersion(major)
}

// blockSizeForVersion returns the full block size for a known major
// format version, or 0 if the version is unknown.
func blockSizeForVersion(major byte) int {
	switch major {
	case 1:
		return 512
	case 2:
		return 1024
	default:
		return 0
	}
}

// Block is a decoded configuration block. The zero value is not usable;
// obtain one through Decode or Load, or by cloning an existing instance
// with one of the With* mutators.
type Block struct {
	raw []byte
}

// Decode parses and validates a configuration block read from a device or
// a dump file. The returned Block retains (a copy of) the input bytes
// verbatim; some dumps carry trailing garbage, which is trimmed.
func Decode(data []byte) (*Block, error) {
	if len(data) < checksumStart {
		return nil, fmt.Errorf("%w: %d bytes is too short for the block header", ErrMalformedBlock, len(data))
	}
	if string(data[magicOffset:magicOffset+4]) != blockMagic {
		return nil, fmt.Errorf("%w: bad magic %q at start of block", ErrMalformedBlock, data[magicOffset:magicOffset+4])
	}

	major := data[versionOffset]
	size := blockSizeForVersion(major)
	if size == 0 {
		return nil, fmt.Errorf("%w: major version 0x%02x", ErrUnsupportedVersion, major)
	}
	if len(data) < size {
		return nil, fmt.Errorf("%w: version %d block needs %d bytes, have %d", ErrMalformedBlock, major, size, len(data))
	}

	b := &Block{raw: append([]byte(nil), data[:size]...)}

	if got, want := b.storedChecksum(), b.computeChecksum(); got != want {
		return nil, fmt.Errorf("%w: header says 0x%08x, computed 0x%08x", ErrChecksum, got, want)
	}

	// A string presence flag is all ones or all zeroes; anything else is
	// corruption that must not be silently read as "no string".
	for _, off := range []int{mfgrFlagOffset, productFlagOffset, serialFlagOffset} {
		if flag := binary.LittleEndian.Uint32(b.raw[off:]); flag != 0 && flag != 0xFFFFFFFF {
			return nil, fmt.Errorf("%w: string presence flag 0x%08x at offset 0x%x", ErrMalformedBlock, flag, off)
		}
	}
	return b, nil
}

// Load reads a configuration block dump from a file. Pass-through: the
// file holds exactly the raw on-device bytes.
func Load(path string) (*Block, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration block file: %w", err)
	}
	return Decode(data)
}

// Save writes the encoded block (with a fresh checksum) to a file.
func (b *Block) Save(path string) error {
	if err := os.WriteFile(path, b.Encode(), 0o644); err != nil {
		return fmt.Errorf("failed to write configuration block file: %w", err)
	}
	return nil
}

// Encode returns the block as the bytes to program into the device: a copy
// of the retained buffer with the checksum recomputed over the current
// contents. The checksum is never copied forward from the decoded input.
func (b *Block) Encode() []byte {
	out := append([]byte(nil), b.raw...)
	binary.LittleEndian.PutUint32(out[checksumOffset:], b.computeChecksum())
	return out
}

// Raw returns a copy of the retained buffer as decoded, without touching
// the checksum.
func (b *Block) Raw() []byte {
	return append([]byte(nil), b.raw...)
}

// Size returns the block length in bytes for this format version.
func (b *Block) Size() int {
	return len(b.raw)
}

// storedChecksum extracts the checksum recorded in the block header.
func (b *Block) storedChecksum() uint32 {
	return binary.LittleEndian.Uint32(b.raw[checksumOffset:])
}

// computeChecksum sums the block as little-endian 32-bit words from offset
// 12 to the end, truncated to 32 bits.
func (b *Block) computeChecksum() uint32 {
	var sum uint32
	for off := checksumStart; off < len(b.raw); off += 4 {
		sum += binary.LittleEndian.Uint32(b.raw[off:])
	}
	return sum
}

// FormatVersion returns the block format version as major, minor, patch.
func (b *Block) FormatVersion() (major, minor, patch uint8) {
	return b.raw[versionOffset], b.raw[versionOffset+1], b.raw[versionOffset+2]
}

// DeviceType returns the interface type this block configures.
func (b *Block) DeviceType() cyusb.Type {
	return cyusb.Type(b.raw[deviceTypeOffset])
}

// CapSenseOn reports whether CapSense touch sensing is enabled. Read-only;
// the CapSense configuration tables are not understood well enough to
// mutate.
func (b *Block) CapSenseOn() bool {
	return b.raw[capSenseOffset] == 1
}

// VID returns the USB vendor ID.
func (b *Block) VID() uint16 {
	return binary.LittleEndian.Uint16(b.raw[vidOffset:])
}

// PID returns the USB product ID.
func (b *Block) PID() uint16 {
	return binary.LittleEndian.Uint16(b.raw[pidOffset:])
}

// ManufacturerString returns the manufacturer descriptor string, if set.
func (b *Block) ManufacturerString() (string, bool) {
	return b.decodeString(mfgrFlagOffset, mfgrDataOffset)
}

// ProductString returns the product descriptor string, if set.
func (b *Block) ProductString() (string, bool) {
	return b.decodeString(productFlagOffset, productDataOffset)
}

// SerialNumber returns the serial number string, if set.
func (b *Block) SerialNumber() (string, bool) {
	return b.decodeString(serialFlagOffset, serialDataOffset)
}

// ModeSettings returns the opaque per-mode default settings region at
// 0x27. Its internal layout depends on the device type and is not decoded.
func (b *Block) ModeSettings() []byte {
	return append([]byte(nil), b.raw[modeSettingsOffset:modeSettingsEnd]...)
}

// The string fields have three parts: a 4 byte presence flag (all ones if
// set, all zeroes if not; Decode rejects any other value), a length byte
// recording the UTF-16LE byte count
// plus two, and a 64 byte padded data area. The byte after the length
// field is always 0x03 in observed dumps; its meaning is unknown and it is
// preserved as-is.
func (b *Block) decodeString(flagOff, dataOff int) (string, bool) {
	flag := binary.LittleEndian.Uint32(b.raw[flagOff:])
	if flag != 0xFFFFFFFF {
		return "", false
	}
	n := int(b.raw[dataOff]) - 2
	if n < 0 || n > stringDataBytes {
		return "", false
	}
	return decodeUTF16LE(b.raw[dataOff+2 : dataOff+2+n]), true
}

func (b *Block) encodeString(flagOff, dataOff int, value string, present bool) error {
	if !present {
		binary.LittleEndian.PutUint32(b.raw[flagOff:], 0)
		b.raw[dataOff] = 2
		for i := 0; i < stringDataBytes; i++ {
			b.raw[dataOff+2+i] = 0
		}
		return nil
	}

	encoded := encodeUTF16LE(value)
	if len(encoded) > stringDataBytes {
		return fmt.Errorf("string %q does not fit in the %d byte descriptor field", value, stringDataBytes)
	}
	copy(b.raw[dataOff+2:], encoded)
	for i := len(encoded); i < stringDataBytes; i++ {
		b.raw[dataOff+2+i] = 0
	}
	b.raw[dataOff] = byte(len(encoded) + 2)
	binary.LittleEndian.PutUint32(b.raw[flagOff:], 0xFFFFFFFF)
	return nil
}

// clone returns a deep copy for the functional mutators.
func (b *Block) clone() *Block {
	return &Block{raw: append([]byte(nil), b.raw...)}
}

// WithType returns a copy of the block configured for a different device
// type. Only the type byte is patched.
func (b *Block) WithType(t cyusb.Type) *Block {
	nb := b.clone()
	nb.raw[deviceTypeOffset] = byte(t)
	return nb
}

// WithVIDPID returns a copy of the block with the USB identity replaced.
func (b *Block) WithVIDPID(vid, pid uint16) *Block {
	nb := b.clone()
	binary.LittleEndian.PutUint16(nb.raw[vidOffset:], vid)
	binary.LittleEndian.PutUint16(nb.raw[pidOffset:], pid)
	return nb
}

// WithPID returns a copy of the block with only the product ID replaced.
func (b *Block) WithPID(pid uint16) *Block {
	nb := b.clone()
	binary.LittleEndian.PutUint16(nb.raw[pidOffset:], pid)
	return nb
}

// WithSerial returns a copy of the block with the serial number replaced.
// The configuration utility only accepts alphanumeric serial numbers, so
// the same restriction applies here. An empty serial clears the field.
func (b *Block) WithSerial(serial string) (*Block, error) {
	if serial != "" && !isAlphanumeric(serial) {
		return nil, fmt.Errorf("serial number %q may only contain alphanumeric characters", serial)
	}
	nb := b.clone()
	if err := nb.encodeString(serialFlagOffset, serialDataOffset, serial, serial != ""); err != nil {
		return nil, err
	}
	return nb, nil
}

// WithManufacturerString returns a copy with the manufacturer descriptor
// string replaced. An empty value clears the field.
func (b *Block) WithManufacturerString(s string) (*Block, error) {
	nb := b.clone()
	if err := nb.encodeString(mfgrFlagOffset, mfgrDataOffset, s, s != ""); err != nil {
		return nil, err
	}
	return nb, nil
}

// WithProductString returns a copy with the product descriptor string
// replaced. An empty value clears the field.
func (b *Block) WithProductString(s string) (*Block, error) {
	nb := b.clone()
	if err := nb.encodeString(productFlagOffset, productDataOffset, s, s != ""); err != nil {
		return nil, err
	}
	return nb, nil
}

// WithModeSettings returns a copy with the opaque per-mode settings region
// at 0x27 replaced. The region's layout is not decoded; callers must only
// write values known to be good for the target device type, because the
// firmware internal-errors on some invalid combinations and stops
// responding to USB requests.
func (b *Block) WithModeSettings(settings []byte) (*Block, error) {
	if len(settings) != ModeSettingsLen {
		return nil, fmt.Errorf("mode settings region is %d bytes, got %d", ModeSettingsLen, len(settings))
	}
	nb := b.clone()
	copy(nb.raw[modeSettingsOffset:modeSettingsEnd], settings)
	return nb, nil
}

func (b *Block) String() string {
	major, minor, patch := b.FormatVersion()
	var sb strings.Builder
	fmt.Fprintf(&sb, "ConfigurationBlock(version=%d.%d.%d type=%s vid=0x%04x pid=0x%04x",
		major, minor, patch, b.DeviceType(), b.VID(), b.PID())
	if s, ok := b.ManufacturerString(); ok {
		fmt.Fprintf(&sb, " mfgr=%q", s)
	}
	if s, ok := b.ProductString(); ok {
		fmt.Fprintf(&sb, " product=%q", s)
	}
	if s, ok := b.SerialNumber(); ok {
		fmt.Fprintf(&sb, " serial=%q", s)
	}
	if b.CapSenseOn() {
		sb.WriteString(" capsense=on")
	}
	sb.WriteString(")")
	return sb.String()
}

func isAlphanumeric(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		default:
			return false
		}
	}
	return true
}

func decodeUTF16LE(data []byte) string {
	units := make([]uint16, 0, len(data)/2)
	for i := 0; i+1 < len(data); i += 2 {
		units = append(units, binary.LittleEndian.Uint16(data[i:]))
	}
	return string(utf16.Decode(units))
}

func encodeUTF16LE(s string) []byte {
	units := utf16.Encode([]rune(s))
	out := make([]byte, 2*len(units))
	for i, u := range units {
		binary.LittleEndian.PutUint16(out[2*i:], u)
	}
	return out
}
