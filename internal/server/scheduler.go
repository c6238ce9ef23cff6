package server

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/gorhill/cronexpr"

	"github.com/cliplens/cliplens/config"
	"github.com/cliplens/cliplens/internal/agent/core"
	"github.com/cliplens/cliplens/internal/store"
)

// Scheduler re-analyzes videos whose newest report has gone stale.
type Scheduler struct {
	Store  *store.Store
	Orch   *core.Orchestrator
	Cfg    config.SchedulerConfig
	Logger *log.Logger
	Stop   chan struct{}

	lastRun time.Time
}

// Start runs the scheduler loop until Stop is closed.
func (s *Scheduler) Start() {
	if s.Logger == nil {
		s.Logger = log.New(log.Writer(), "[SCHED] ", log.LstdFlags)
	}
	if s.Stop == nil {
		s.Stop = make(chan struct{})
	}
	ticker := time.NewTicker(time.Minute)
	go func() {
		for {
			select {
			case <-s.Stop:
				ticker.Stop()
				return
			case <-ticker.C:
				if s.due(time.Now()) {
					s.lastRun = time.Now()
					s.tick()
				}
			}
		}
	}()
}

// due evaluates the cron expression against the last run.
func (s *Scheduler) due(now time.Time) bool {
	spec := s.Cfg.Cron
	if spec == "" {
		spec = "0 * * * *"
	}
	expr, err := cronexpr.Parse(spec)
	if err != nil {
		s.Logger.Printf("bad cron expression %q: %v", spec, err)
		return false
	}
	last := s.lastRun
	if last.IsZero() {
		last = now.Add(-time.Minute)
	}
	next := expr.Next(last)
	return !next.IsZero() && !next.After(now)
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	maxAge := 7 * 24 * time.Hour
	if s.Cfg.MaxAge != "" {
		if d, err := time.ParseDuration(s.Cfg.MaxAge); err == nil {
			maxAge = d
		}
	}
	ids, err := s.Store.ListStaleReportVideos(ctx, time.Now().Add(-maxAge), s.Cfg.BatchMax)
	if err != nil {
		s.Logger.Printf("listing stale reports: %v", err)
		return
	}
	for _, id := range ids {
		res := s.Orch.ExecuteAgenticFlow(ctx, id, core.Options{FallbackToClassic: true})
		if res.Report == nil {
			s.Logger.Printf("reanalysis of %s failed: %s", id, res.Error)
			continue
		}
		payload, err := json.Marshal(res.Report)
		if err != nil {
			s.Logger.Printf("encoding report for %s: %v", id, err)
			continue
		}
		if _, err := s.Store.SaveReport(ctx, id, res.Mode, res.Report.Confidence, payload); err != nil {
			s.Logger.Printf("saving report for %s: %v", id, err)
			continue
		}
		s.Logger.Printf("reanalyzed %s (mode %s, confidence %.2f)", id, res.Mode, res.Report.Confidence)
	}
}
