package handoff

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/parley-hq/parley/internal/store"
)

// DefaultSLA is how long an unclaimed escalation may sit before the sweep
// returns it to automated handling.
const DefaultSLA = 24 * time.Hour

// DefaultSchedule runs the sweep at the top of every hour.
const DefaultSchedule = "0 * * * *"

// Sweeper periodically reclaims stalled escalations. SLA and schedule are
// read under the mutex on every pass so config hot reloads take effect
// without a restart.
type Sweeper struct {
	machine       *Machine
	conversations store.ConversationStore
	gron          *gronx.Gronx

	mu       sync.RWMutex
	sla      time.Duration
	schedule string
}

// NewSweeper creates a sweeper. sla <= 0 uses DefaultSLA; an empty schedule
// uses DefaultSchedule.
func NewSweeper(machine *Machine, conversations store.ConversationStore, sla time.Duration, schedule string) (*Sweeper, error) {
	if sla <= 0 {
		sla = DefaultSLA
	}
	if schedule == "" {
		schedule = DefaultSchedule
	}
	gron := gronx.New()
	if !gron.IsValid(schedule) {
		return nil, fmt.Errorf("invalid sweep schedule %q", schedule)
	}
	return &Sweeper{
		machine:       machine,
		conversations: conversations,
		gron:          gron,
		sla:           sla,
		schedule:      schedule,
	}, nil
}

// UpdateTunables applies a hot-reloaded SLA and schedule. Zero or invalid
// values leave the current setting in place.
func (s *Sweeper) UpdateTunables(sla time.Duration, schedule string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sla > 0 && sla != s.sla {
		slog.Info("sweep.sla_updated", "from", s.sla, "to", sla)
		s.sla = sla
	}
	if schedule != "" && schedule != s.schedule {
		if !s.gron.IsValid(schedule) {
			slog.Warn("sweep.schedule_rejected", "schedule", schedule)
			return
		}
		slog.Info("sweep.schedule_updated", "from", s.schedule, "to", schedule)
		s.schedule = schedule
	}
}

func (s *Sweeper) tunables() (time.Duration, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sla, s.schedule
}

// Run blocks, checking the cron schedule once a minute, until ctx is
// cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	sla, schedule := s.tunables()
	slog.Info("sweep.started", "schedule", schedule, "sla", sla)
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("sweep.stopped")
			return
		case now := <-ticker.C:
			_, schedule = s.tunables()
			due, err := s.gron.IsDue(schedule, now)
			if err != nil {
				slog.Error("sweep.schedule_error", "err", err)
				continue
			}
			if !due {
				continue
			}
			if _, err := s.RunOnce(ctx); err != nil {
				slog.Error("sweep.failed", "err", err)
			}
		}
	}
}

// RunOnce performs a single recovery pass and returns how many conversations
// were recovered. Conversations claimed between the scan and the write are
// skipped by the store guard and not counted.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	ctx, span := otel.Tracer("parley/handoff").Start(ctx, "sweep.run")
	defer span.End()

	sla, _ := s.tunables()
	cutoff := time.Now().Add(-sla)
	stalled, err := s.conversations.ListStalled(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("scan stalled conversations: %w", err)
	}

	recovered := 0
	for _, c := range stalled {
		ok, err := s.machine.Recover(ctx, c.ID)
		if err != nil {
			slog.Error("sweep.recover_failed", "conversation", c.ID, "err", err)
			continue
		}
		if ok {
			recovered++
		}
	}
	span.SetAttributes(
		attribute.Int("sweep.stalled", len(stalled)),
		attribute.Int("sweep.recovered", recovered),
	)
	if len(stalled) > 0 {
		slog.Info("sweep.completed", "stalled", len(stalled), "recovered", recovered)
	}
	return recovered, nil
}
