package discovery

import (
	"scb-bridge/internal/cyusb"
)

// usbInterface is the slice of an interface descriptor the classifier
// looks at.
type usbInterface struct {
	Class     uint8
	SubClass  uint8
	Endpoints int
}

// classification is the interface-layout verdict for one device.
type classification struct {
	scbs   []cyusb.Type
	hasMFG bool
}

// classifyInterfaces decides whether a single-configuration device
// with the given interfaces is a bridge, and if so which mode each SCB
// is in. ok is false for layouts the chip family cannot present.
//
// The decisive marker is the manufacturing interface: vendor class,
// subclass 5, no endpoints. Every part exposes it in every mode.
func classifyInterfaces(ifaces []usbInterface) (classification, bool) {
	// The family presents two to four interfaces: MFG plus one or two
	// SCBs, where a CDC-mode SCB occupies two interfaces.
	if len(ifaces) < 2 || len(ifaces) > 4 {
		return classification{}, false
	}

	var c classification
	for _, in := range ifaces {
		switch {
		case in.Class == cyusb.USBClassVendor && in.SubClass == uint8(cyusb.TypeMFG):
			if in.Endpoints != 0 {
				return classification{}, false
			}
			c.hasMFG = true

		case in.Class == cyusb.USBClassVendor:
			// Vendor-mode SCB: the subclass is the device type code
			// and it always carries bulk in, bulk out and interrupt.
			t := cyusb.Type(in.SubClass)
			if t < cyusb.TypeUARTVendor || t > cyusb.TypeJTAG || in.Endpoints != 3 {
				return classification{}, false
			}
			c.scbs = append(c.scbs, t)

		case in.Class == cyusb.USBClassCDC && in.SubClass == 0x02:
			// CDC ACM communications interface of a UART-mode SCB.
			c.scbs = append(c.scbs, cyusb.TypeUARTCDC)

		case in.Class == cyusb.USBClassCDCData:
			// Data companion of the CDC pair, already counted.

		case in.Class == cyusb.USBClassPHDC:
			// PHDC-mode SCBs exist but this driver does not manage
			// them.
			c.scbs = append(c.scbs, cyusb.TypeDisabled)

		default:
			return classification{}, false
		}
	}

	if !c.hasMFG || len(c.scbs) == 0 {
		return classification{}, false
	}
	return c, true
}
