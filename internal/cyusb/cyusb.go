// Package cyusb holds the wire-protocol constants for the CY7C652xx
// USB-serial bridge family.
//
// Most of the request codes below come from the open-source libusb vendor
// driver; the manufacturing-mode and configuration-table commands were
// reverse engineered from the vendor's Windows configuration utility.
// These values are a hard contract with the device firmware and must not
// be changed.
package cyusb

// USB endpoint attribute and direction values.
const (
	EndpointAttrBulk      = 2
	EndpointAttrInterrupt = 3

	EndpointDirOut = 0x00
	EndpointDirIn  = 0x80
)

// Vendor control request types.
const (
	VendorRequestOut = 0x40
	VendorRequestIn  = 0xC0
)

// SCBIndexPos is the bit position in wValue that selects which serial
// control block a request targets (multi-port parts have two).
const SCBIndexPos = 15

// Default USB identity assigned by this driver's operating convention.
const (
	DefaultVID = 0x04B4
	DefaultPID = 0xE010
)

// User flash geometry. The device exposes a 512 byte user area that is
// programmed in even 128 byte pages.
const (
	UserFlashPageSize = 128
	UserFlashSize     = 512
)

// Configuration block geometry.
const (
	ConfigBlockSizeV1 = 512
	ConfigBlockSizeV2 = 1024
	ConfigStringBytes = 64
)

// On-chip transfer buffer limits. Transfers larger than these cannot be
// serviced by the bridge in a single transaction.
const (
	I2CBufferSize  = 256
	SPIBufferSize  = 256
	UARTBufferSize = 190
)

// Type is the device interface type code stored in the configuration
// block and reported as the SCB interface subclass during enumeration.
type Type uint8

// Device type codes from CyUSBSerial.h. The values above MFG are not
// hardware codes; they are used internally to classify enumerated
// interfaces (a chip in CDC UART mode reports a standard CDC interface,
// not a vendor one).
const (
	TypeDisabled   Type = 0
	TypeUARTVendor Type = 1
	TypeSPI        Type = 2
	TypeI2C        Type = 3
	TypeJTAG       Type = 4
	TypeMFG        Type = 5

	TypeUARTCDC Type = 6
	TypeCDCData Type = 8
)

func (t Type) String() string {
	switch t {
	case TypeDisabled:
		return "DISABLED"
	case TypeUARTVendor:
		return "UART_VENDOR"
	case TypeSPI:
		return "SPI"
	case TypeI2C:
		return "I2C"
	case TypeJTAG:
		return "JTAG"
	case TypeMFG:
		return "MFG"
	case TypeUARTCDC:
		return "UART_CDC"
	case TypeCDCData:
		return "CDC_DATA"
	default:
		return "UNKNOWN"
	}
}

// USB class codes the scanner recognizes on bridge interfaces.
const (
	USBClassDisabled = 0x00
	USBClassCDC      = 0x02
	USBClassCDCData  = 0x0A
	USBClassPHDC     = 0x0F
	USBClassVendor   = 0xFF
)

// Vendor command request codes.
const (
	CmdGetVersion   = 0xB0
	CmdGetSignature = 0xBD

	CmdUARTGetConfig = 0xC0
	CmdUARTSetConfig = 0xC1
	CmdSPIGetConfig  = 0xC2
	CmdSPISetConfig  = 0xC3
	CmdI2CGetConfig  = 0xC4
	CmdI2CSetConfig  = 0xC5

	CmdI2CWrite     = 0xC6
	CmdI2CRead      = 0xC7
	CmdI2CGetStatus = 0xC8
	CmdI2CReset     = 0xC9

	CmdSPIReadWrite = 0xCA
	CmdSPIReset     = 0xCB
	CmdSPIGetStatus = 0xCC

	CmdProgUserFlash = 0xE0
	CmdReadUserFlash = 0xE1

	CmdDeviceReset = 0xE3

	// Manufacturing mode gate. Until this is enabled the device rejects
	// the configuration-table commands. wValue is ~"CY", wIndex is ~"ON"
	// to enable or ~"OF" to disable.
	CmdEnterMfgMode = 0xE2

	CmdReadConfig   = 0xB5
	CmdProgConfig   = 0xB6
	CmdGetSiliconID = 0xB1
)

// Magic wValue/wIndex payloads for the gated commands.
const (
	MfgModeValue   = 0xA6BC
	MfgModeEnable  = 0xB1B0
	MfgModeDisable = 0xB9B0

	ResetValue = 0xA6B6
	ResetIndex = 0xADBA
)

// Reply lengths for the query commands.
const (
	FirmwareVersionLen = 8
	SignatureLen       = 4
	SiliconIDLen       = 4
)

// I2C module constants.
const (
	I2CConfigLen       = 16
	I2CStatusLen       = 3
	I2CNotificationLen = 3

	I2CModeRead  = 0
	I2CModeWrite = 1

	I2CStatusError       = 1 << 0
	I2CStatusArbitration = 1 << 1
	I2CStatusNAK         = 1 << 2
	I2CStatusBusError    = 1 << 3
	I2CStatusStopBit     = 1 << 4
	I2CStatusBusBusy     = 1 << 5

	I2CMaxAddress = 0x7F

	I2CMinFrequency = 1000
	I2CMaxFrequency = 400000
)

// SPI module constants.
const (
	SPIConfigLen = 16
	SPIStatusLen = 4

	SPIReadBit  = 1 << 0
	SPIWriteBit = 1 << 1

	SPIMinFrequency = 1000
	SPIMaxFrequency = 3000000

	SPIMinWordSize = 4
	SPIMaxWordSize = 16
)

// UART module constants, kept for completeness of the wire contract.
// Vendor-mode UART data transfer is not implemented.
const (
	UARTConfigLen   = 16
	UARTMaxBaudRate = 3000000
)
