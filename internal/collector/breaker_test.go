package collector

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"github.com/cptspacemanspiff/power-supply-daemon/internal/device"
)

type countingSource struct {
	calls int
	err   error
}

func (c *countingSource) Enumerate(context.Context) ([]device.Report, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return []device.Report{{ID: "ups@h"}}, nil
}

func TestBreakerSource_OpensAfterFailures(t *testing.T) {
	src := &countingSource{err: errors.New("connection refused")}
	b := NewBreakerSource("nut", src, 2, time.Hour, slog.New(slog.DiscardHandler))

	for range 2 {
		if _, err := b.Enumerate(context.Background()); err == nil {
			t.Fatal("Enumerate() error = nil, want source error")
		}
	}
	_, err := b.Enumerate(context.Background())
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("Enumerate() error = %v, want ErrOpenState", err)
	}
	if src.calls != 2 {
		t.Fatalf("source calls = %d, want 2", src.calls)
	}
}

func TestBreakerSource_PassesReports(t *testing.T) {
	src := &countingSource{}
	b := NewBreakerSource("nut", src, 2, time.Hour, slog.New(slog.DiscardHandler))

	reports, err := b.Enumerate(context.Background())
	if err != nil {
		t.Fatalf("Enumerate() error = %v", err)
	}
	if len(reports) != 1 || reports[0].ID != "ups@h" {
		t.Fatalf("reports = %+v, want ups@h", reports)
	}
}

func TestBreakerSource_ProbesAfterTimeout(t *testing.T) {
	src := &countingSource{err: errors.New("down")}
	b := NewBreakerSource("nut", src, 1, 10*time.Millisecond, slog.New(slog.DiscardHandler))

	_, _ = b.Enumerate(context.Background())
	if _, err := b.Enumerate(context.Background()); !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("Enumerate() error = %v, want ErrOpenState", err)
	}

	time.Sleep(20 * time.Millisecond)
	src.err = nil
	if _, err := b.Enumerate(context.Background()); err != nil {
		t.Fatalf("Enumerate() after timeout error = %v, want recovery", err)
	}
}
