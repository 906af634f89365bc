package transport

import (
	"context"
	"errors"

	"github.com/google/gousb"
)

// Error kinds surfaced by the transport layer. Wrapped with step context;
// match with errors.Is.
var (
	// ErrDeviceNotFound means no attached device matched the requested
	// VID/PID/serial.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrAccessDenied means the device exists but its interfaces could not
	// be claimed, usually an OS permission or driver-binding problem
	// (missing WinUSB driver, udev rules, or a kernel driver that cannot
	// be detached without elevated privileges).
	ErrAccessDenied = errors.New("access to device denied")

	// ErrTransferTimeout means a transfer did not complete within its
	// configured timeout.
	ErrTransferTimeout = errors.New("transfer timed out")

	// ErrDeviceDisconnected means the device disappeared from the bus
	// mid-operation.
	ErrDeviceDisconnected = errors.New("device disconnected")

	// ErrPipe means the device stalled the endpoint. The bus engines use
	// this to trigger a module reset and status re-query.
	ErrPipe = errors.New("endpoint stalled")
)

// mapUSBError translates gousb/libusb error codes into the transport's
// error kinds, keeping the original error in the chain.
func mapUSBError(err error) error {
	if err == nil {
		return nil
	}

	var code gousb.Error
	if errors.As(err, &code) {
		switch code {
		case gousb.ErrorTimeout:
			return errors.Join(ErrTransferTimeout, err)
		case gousb.ErrorNoDevice:
			return errors.Join(ErrDeviceDisconnected, err)
		case gousb.ErrorAccess, gousb.ErrorNotSupported:
			return errors.Join(ErrAccessDenied, err)
		case gousb.ErrorNotFound:
			return errors.Join(ErrDeviceNotFound, err)
		case gousb.ErrorPipe:
			return errors.Join(ErrPipe, err)
		}
	}

	var status gousb.TransferStatus
	if errors.As(err, &status) {
		switch status {
		case gousb.TransferTimedOut, gousb.TransferCancelled:
			return errors.Join(ErrTransferTimeout, err)
		case gousb.TransferNoDevice:
			return errors.Join(ErrDeviceDisconnected, err)
		case gousb.TransferStall:
			return errors.Join(ErrPipe, err)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(ErrTransferTimeout, err)
	}
	return err
}
