// Package collector provides the attribute sources that feed the engine:
// the sysfs power_supply class, a NUT server for USB UPS units, and a logind
// wake monitor that asks for an immediate re-read after suspend.
package collector

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cptspacemanspiff/power-supply-daemon/internal/device"
)

// Source enumerates the devices it knows about. Every call returns complete
// attribute maps.
type Source interface {
	Enumerate(ctx context.Context) ([]device.Report, error)
}

// Sources merges several sources into one device list.
//
// When a whole source fails, every device it reported last time is
// re-reported with Err set, so the engine keeps their last known state
// instead of dropping them.
type Sources struct {
	sources []namedSource
	log     *slog.Logger
}

type namedSource struct {
	name string
	src  Source
	last []string
}

// NewSources creates an empty merger.
func NewSources(logger *slog.Logger) *Sources {
	return &Sources{log: logger}
}

// Add registers src under name, used in logs and errors.
func (s *Sources) Add(name string, src Source) {
	s.sources = append(s.sources, namedSource{name: name, src: src})
}

// Enumerate queries every source in registration order. It is not safe for
// concurrent use.
func (s *Sources) Enumerate(ctx context.Context) ([]device.Report, error) {
	var all []device.Report
	for i := range s.sources {
		ns := &s.sources[i]
		reports, err := ns.src.Enumerate(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.log.Warn("source failed, keeping last known devices", "source", ns.name, "devices", len(ns.last), "err", err)
			failed := fmt.Errorf("%s: %w", ns.name, err)
			for _, id := range ns.last {
				all = append(all, device.Report{ID: id, Err: failed})
			}
			continue
		}

		ns.last = ns.last[:0]
		for _, r := range reports {
			ns.last = append(ns.last, r.ID)
		}
		all = append(all, reports...)
	}
	return all, nil
}
