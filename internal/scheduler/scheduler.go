package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"stockbook/backend/internal/domain"
	"stockbook/backend/internal/service"
	"stockbook/backend/internal/store"
)

const runTimeout = 2 * time.Minute

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

type Generator interface {
	GenerateZReport(ctx context.Context) (domain.ZReportResult, error)
}

// Scheduler closes a Z-report on a cron schedule as the system actor.
type Scheduler struct {
	cron *cron.Cron
	gen  Generator
}

func New(spec string, loc *time.Location, gen Generator) (*Scheduler, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, errors.New("schedule is required")
	}
	if gen == nil {
		return nil, errors.New("generator is required")
	}
	if loc == nil {
		loc = time.UTC
	}

	s := &Scheduler{
		cron: cron.New(cron.WithLocation(loc), cron.WithParser(cronParser)),
		gen:  gen,
	}
	if _, err := s.cron.AddFunc(spec, func() { s.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid z-report schedule %q: %w", spec, err)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running job until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// RunOnce performs a single scheduled generation. It reports whether a new
// report was written.
func (s *Scheduler) RunOnce(ctx context.Context) bool {
	defer func() {
		if err := recover(); err != nil {
			log.Error().Interface("panic", err).Msg("[scheduler] z-report job panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(service.WithActor(ctx, service.SystemActor), runTimeout)
	defer cancel()

	result, err := s.gen.GenerateZReport(ctx)
	switch {
	case errors.Is(err, store.ErrNoNewSales):
		log.Info().Msg("[scheduler] no new sales since the last z-report")
		return false
	case errors.Is(err, store.ErrConflict):
		log.Info().Err(err).Msg("[scheduler] z-report generation skipped")
		return false
	case err != nil:
		log.Error().Err(err).Msg("[scheduler] z-report generation failed")
		return false
	}

	log.Info().
		Str("report", result.Report.ID).
		Int("sales", result.IncludedCount).
		Str("total", result.Total).
		Msg("[scheduler] z-report generated")
	return true
}
