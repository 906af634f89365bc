// Package modeswitch reprograms a bridge's operating mode by rewriting
// its configuration table and supervising the re-enumeration that the
// required device reset causes.
//
// A mode change is a read-modify-write of the whole table: only the
// device type byte, the per-mode default settings region and the PID
// parity are touched, everything else is preserved byte for byte.
package modeswitch

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"scb-bridge/internal/configblock"
	"scb-bridge/internal/cyusb"
	"scb-bridge/internal/transport"
	"scb-bridge/internal/utils"
)

var (
	// ErrTimeout reports a device that never reappeared on the bus
	// within the re-enumeration budget after its reset.
	ErrTimeout = errors.New("device did not re-enumerate in time")

	// ErrUnsupportedTarget reports a mode this package cannot switch
	// into.
	ErrUnsupportedTarget = errors.New("unsupported target mode")
)

// State tracks where a switch operation is in its lifecycle, mostly
// for log correlation.
type State int

const (
	StateIdle State = iota
	StateReadingBlock
	StateWritingBlock
	StateAwaitingReEnumeration
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReadingBlock:
		return "reading_block"
	case StateWritingBlock:
		return "writing_block"
	case StateAwaitingReEnumeration:
		return "awaiting_reenumeration"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Default supervision parameters for the post-reset re-enumeration.
const (
	DefaultBudget       = 10 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
)

// Known-good per-mode default settings. Captured from devices
// configured by the vendor's own utility; their internal meaning is
// not documented, but programming a mode without its matching settings
// leaves some parts unresponsive.
var modeSettings = map[cyusb.Type][]byte{
	cyusb.TypeSPI:        {0x00, 0x08, 0x00, 0x00, 0x01, 0x01, 0x01, 0x00, 0x00},
	cyusb.TypeI2C:        {0x00, 0x02, 0x08, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00},
	cyusb.TypeUARTCDC:    {0x00, 0x02, 0x08, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00},
	cyusb.TypeUARTVendor: {0x00, 0x02, 0x08, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00},
}

// Opener re-acquires a device connection by identity. It is expected
// to fail until the device has re-enumerated.
type Opener func(vid, pid uint16, serial string) (transport.Conn, error)

// Identity names the device being switched.
type Identity struct {
	VID    uint16
	PID    uint16
	Serial string
	Type   cyusb.Type
}

// Switcher performs mode changes.
type Switcher struct {
	open   Opener
	logger *zap.Logger
	budget time.Duration
	poll   time.Duration
	state  State
}

// Options tunes the re-enumeration supervision.
type Options struct {
	// Budget bounds the whole wait for the device to come back.
	Budget time.Duration

	// PollInterval is the delay between reopen attempts.
	PollInterval time.Duration
}

// New builds a Switcher that reopens devices through open.
func New(open Opener, logger *zap.Logger, opts Options) *Switcher {
	if opts.Budget <= 0 {
		opts.Budget = DefaultBudget
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Switcher{
		open:   open,
		logger: logger,
		budget: opts.Budget,
		poll:   opts.PollInterval,
		state:  StateIdle,
	}
}

// State reports the lifecycle position of the most recent switch.
func (s *Switcher) State() State {
	return s.state
}

// TargetPID returns the PID the device will present in the target
// mode. CDC UART parts use the odd PID of the pair, vendor-class modes
// the even one, so drivers on the host side can bind by PID alone.
func TargetPID(pid uint16, target cyusb.Type) uint16 {
	if target == cyusb.TypeUARTCDC {
		return pid | 1
	}
	return pid &^ 1
}

// Switch moves the device to the target mode and returns a connection
// to the re-enumerated device. The passed connection is consumed: it
// is closed before the reset regardless of outcome. Switching to the
// mode the device is already in returns the same connection untouched.
func (s *Switcher) Switch(conn transport.Conn, id Identity, target cyusb.Type) (transport.Conn, error) {
	if id.Type == target {
		return conn, nil
	}
	settings, ok := modeSettings[target]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedTarget, target)
	}

	logger := s.logger.With(
		zap.String("serial", id.Serial),
		zap.Stringer("from", id.Type),
		zap.Stringer("to", target),
	)
	op := utils.NewOperationLogger(logger, "mode_switch", uuid.NewString())
	op.Start()

	s.setState(logger, StateReadingBlock)
	raw, err := transport.ReadConfigBlock(conn)
	if err != nil {
		return nil, s.fail(op, logger, conn, fmt.Errorf("reading configuration table: %w", err))
	}
	block, err := configblock.Decode(raw)
	if err != nil {
		return nil, s.fail(op, logger, conn, fmt.Errorf("decoding configuration table: %w", err))
	}

	newPID := TargetPID(block.PID(), target)
	patched, err := block.WithType(target).WithPID(newPID).WithModeSettings(settings)
	if err != nil {
		return nil, s.fail(op, logger, conn, err)
	}

	s.setState(logger, StateWritingBlock)
	if err := transport.WriteConfigBlock(conn, patched.Encode()); err != nil {
		return nil, s.fail(op, logger, conn, fmt.Errorf("programming configuration table: %w", err))
	}

	if err := transport.ResetDevice(conn); err != nil {
		return nil, s.fail(op, logger, conn, fmt.Errorf("resetting device: %w", err))
	}
	if err := conn.Close(); err != nil {
		logger.Warn("closing pre-reset connection", zap.Error(err))
	}

	s.setState(logger, StateAwaitingReEnumeration)
	reopened, err := s.awaitReEnumeration(op, logger, id, newPID)
	if err != nil {
		s.setState(logger, StateFailed)
		op.Error(err)
		return nil, err
	}
	s.setState(logger, StateDone)
	op.Success(zap.Uint16("pid", newPID))
	return reopened, nil
}

// awaitReEnumeration polls for the device under its post-switch
// identity until it answers or the budget runs out.
func (s *Switcher) awaitReEnumeration(op *utils.OperationLogger, logger *zap.Logger, id Identity, newPID uint16) (transport.Conn, error) {
	start := time.Now()
	deadline := start.Add(s.budget)
	attempts := 0
	var lastErr error
	for {
		conn, err := s.open(id.VID, newPID, id.Serial)
		if err == nil {
			logger.Info("device re-enumerated",
				zap.Int("attempts", attempts+1),
				zap.Uint16("pid", newPID))
			return conn, nil
		}
		lastErr = err
		attempts++
		// One progress line per second at the default poll interval.
		if attempts%10 == 0 {
			op.Progress("waiting for device to re-enumerate",
				float64(time.Since(start))/float64(s.budget),
				zap.Int("attempts", attempts))
		}
		if !time.Now().Before(deadline) {
			if lastErr != nil {
				return nil, fmt.Errorf("%w after %d attempts: %v", ErrTimeout, attempts, lastErr)
			}
			return nil, ErrTimeout
		}
		time.Sleep(s.poll)
	}
}

// fail closes the consumed connection, records the failed state and
// passes the error through.
func (s *Switcher) fail(op *utils.OperationLogger, logger *zap.Logger, conn transport.Conn, err error) error {
	s.setState(logger, StateFailed)
	if cerr := conn.Close(); cerr != nil {
		logger.Warn("closing connection after failed switch", zap.Error(cerr))
	}
	op.Error(err)
	return err
}

func (s *Switcher) setState(logger *zap.Logger, next State) {
	logger.Debug("mode switch state", zap.Stringer("from", s.state), zap.Stringer("to", next))
	s.state = next
}
