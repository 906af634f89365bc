// internal/utils/logger_test.go
package utils

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newObservedLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core), logs
}

func TestDeviceLoggerConnectionEvents(t *testing.T) {
	base, logs := newObservedLogger()
	dl := NewDeviceLogger(base, 0x04B4, 0xE010, "SB0042")

	dl.LogConnection("open", true, nil)
	dl.LogConnection("claim", false, errors.New("interface busy"))

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("got %d log entries, want 2", len(entries))
	}

	ctx := entries[0].ContextMap()
	if ctx["vid"] != "04b4" || ctx["pid"] != "e010" || ctx["serial"] != "SB0042" {
		t.Errorf("device fields = vid:%v pid:%v serial:%v", ctx["vid"], ctx["pid"], ctx["serial"])
	}
	if entries[0].Level != zapcore.InfoLevel {
		t.Errorf("successful event logged at %s, want info", entries[0].Level)
	}
	if entries[1].Level != zapcore.ErrorLevel {
		t.Errorf("failed event logged at %s, want error", entries[1].Level)
	}
	if entries[1].ContextMap()["action"] != "claim" {
		t.Errorf("action = %v, want claim", entries[1].ContextMap()["action"])
	}
}

func TestDeviceLoggerOperation(t *testing.T) {
	base, logs := newObservedLogger()
	dl := NewDeviceLogger(base, 0x04B4, 0xE010, "SB0042")

	dl.LogOperation("acquire_i2c", "op-1", 5*time.Millisecond, true, nil)
	dl.LogOperation("acquire_spi", "op-2", time.Millisecond, false, errors.New("no device"))

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("got %d log entries, want 2", len(entries))
	}

	ctx := entries[0].ContextMap()
	if ctx["operation_type"] != "acquire_i2c" || ctx["operation_id"] != "op-1" {
		t.Errorf("operation fields = %v", ctx)
	}
	if ctx["success"] != true || ctx["duration"] != 5*time.Millisecond {
		t.Errorf("success/duration fields = %v/%v", ctx["success"], ctx["duration"])
	}
	if entries[0].Level != zapcore.InfoLevel {
		t.Errorf("successful operation logged at %s, want info", entries[0].Level)
	}
	if entries[1].Level != zapcore.ErrorLevel {
		t.Errorf("failed operation logged at %s, want error", entries[1].Level)
	}
}

func TestOperationLoggerLifecycle(t *testing.T) {
	base, logs := newObservedLogger()
	op := NewOperationLogger(base, "mode_switch", "op-42")

	op.Start()
	op.Progress("waiting for device to re-enumerate", 0.5)
	op.Success(zap.Uint16("pid", 0xE011))

	entries := logs.All()
	if len(entries) != 3 {
		t.Fatalf("got %d log entries, want 3", len(entries))
	}
	for i, e := range entries {
		ctx := e.ContextMap()
		if ctx["operation_type"] != "mode_switch" || ctx["operation_id"] != "op-42" {
			t.Errorf("entry %d missing operation fields: %v", i, ctx)
		}
	}
	if entries[1].ContextMap()["progress"] != 0.5 {
		t.Errorf("progress = %v, want 0.5", entries[1].ContextMap()["progress"])
	}
	done := entries[2].ContextMap()
	if done["success"] != true {
		t.Errorf("success = %v, want true", done["success"])
	}
	if _, ok := done["duration"]; !ok {
		t.Error("completion entry carries no duration")
	}
}

func TestOperationLoggerError(t *testing.T) {
	base, logs := newObservedLogger()
	op := NewOperationLogger(base, "mode_switch", "op-43")

	op.Error(errors.New("device did not re-enumerate in time"))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("got %d log entries, want 1", len(entries))
	}
	if entries[0].Level != zapcore.ErrorLevel {
		t.Errorf("failure logged at %s, want error", entries[0].Level)
	}
	if entries[0].ContextMap()["success"] != false {
		t.Error("failure entry does not record success=false")
	}
}
