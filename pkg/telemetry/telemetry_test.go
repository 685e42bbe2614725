package telemetry_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/nust-lifeline/ledger/pkg/telemetry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTrackRun_Disabled_IsNoOp(t *testing.T) {
	tel, err := telemetry.New(context.Background(), telemetry.Config{Enabled: false}, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, done := tel.TrackRun(context.Background(), "test.run")
	if ctx == nil {
		t.Fatal("expected a non-nil context even when disabled")
	}
	done(nil)
	done(errors.New("second call should also be safe"))

	if err := tel.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown on disabled provider: %v", err)
	}
}

func TestNew_Enabled_BuildsStdoutExporters(t *testing.T) {
	tel, err := telemetry.New(context.Background(), telemetry.Config{
		ServiceName: "ledger-test",
		Environment: "test",
		Enabled:     true,
	}, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer tel.Shutdown(context.Background())

	ctx, done := tel.TrackRun(context.Background(), "test.run")
	if ctx == nil {
		t.Fatal("expected a non-nil context")
	}
	done(nil)
}
