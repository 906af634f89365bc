package transport

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/gousb"
)

func TestMapUSBError(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want error
	}{
		{"timeout code", gousb.ErrorTimeout, ErrTransferTimeout},
		{"no device code", gousb.ErrorNoDevice, ErrDeviceDisconnected},
		{"access code", gousb.ErrorAccess, ErrAccessDenied},
		{"not supported code", gousb.ErrorNotSupported, ErrAccessDenied},
		{"not found code", gousb.ErrorNotFound, ErrDeviceNotFound},
		{"pipe code", gousb.ErrorPipe, ErrPipe},
		{"wrapped pipe code", fmt.Errorf("control transfer: %w", gousb.ErrorPipe), ErrPipe},
		{"transfer timed out", gousb.TransferTimedOut, ErrTransferTimeout},
		{"transfer cancelled", gousb.TransferCancelled, ErrTransferTimeout},
		{"transfer no device", gousb.TransferNoDevice, ErrDeviceDisconnected},
		{"transfer stall", gousb.TransferStall, ErrPipe},
		{"context deadline", context.DeadlineExceeded, ErrTransferTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapUSBError(tt.in)
			if !errors.Is(got, tt.want) {
				t.Errorf("mapUSBError(%v) = %v, does not match %v", tt.in, got, tt.want)
			}
			// The libusb error stays in the chain for diagnostics.
			if !errors.Is(got, tt.in) {
				t.Errorf("mapUSBError(%v) = %v, dropped the original error", tt.in, got)
			}
		})
	}
}

func TestMapUSBErrorPassthrough(t *testing.T) {
	if got := mapUSBError(nil); got != nil {
		t.Errorf("mapUSBError(nil) = %v, want nil", got)
	}

	unrelated := errors.New("short bulk write")
	if got := mapUSBError(unrelated); got != unrelated {
		t.Errorf("mapUSBError rewrote an unrelated error: %v", got)
	}
}
