// Package scheduler runs the minute-cadence control loop that actuates
// devices from their active time windows and watches telemetry liveness.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"outlet-hub/internal/energy"
	"outlet-hub/internal/relay"
	"outlet-hub/internal/store"

	"github.com/robfig/cron/v3"
)

const (
	// cursorOffset compensates for the deployment's timezone: the original
	// system compared schedule windows against wall clock shifted 8 hours
	// forward, and the stored windows assume that shift.
	cursorOffset = 8 * time.Hour

	// staleAfter is how long telemetry may be silent before peers are told
	// the metering device dropped off.
	staleAfter = 5 * time.Second
)

// windowEpoch is the placeholder date all window comparisons are projected
// onto; schedules are wall-clock-only so the date itself is irrelevant.
var windowEpoch = time.Date(2021, time.January, 25, 0, 0, 0, 0, time.UTC)

// Broadcaster is the slice of the relay hub the scheduler drives.
type Broadcaster interface {
	Broadcast(relay.Event)
}

type Scheduler struct {
	repo   *store.Repo
	energy *energy.Service
	hub    Broadcaster
	cron   *cron.Cron

	now func() time.Time
}

func New(repo *store.Repo, energySvc *energy.Service, hub Broadcaster) *Scheduler {
	return &Scheduler{
		repo:   repo,
		energy: energySvc,
		hub:    hub,
		// A slow tick must never overlap the next one; skipped ticks are
		// logged by the chain.
		cron: cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger))),
		now:  time.Now,
	}
}

func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc("* * * * *", func() { s.Tick(context.Background()) }); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

// Tick evaluates every active schedule against the offset-shifted cursor and
// then probes telemetry liveness. Per-device failures are logged and the
// loop continues; a failing stage ends early and the next tick starts fresh.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()

	schedules, err := s.repo.ListActiveSchedules(ctx)
	if err != nil {
		slog.Warn("scheduler could not load schedules", "error", err)
	} else {
		cursor := windowCursor(now)
		for _, sch := range schedules {
			start := onEpoch(sch.StartHour, sch.StartMinute)
			end := onEpoch(sch.EndHour, sch.EndMinute)
			if !cursor.Before(start) && !cursor.After(end) {
				s.switchOn(ctx, sch.DeviceID, now)
			} else {
				s.switchOff(ctx, sch.DeviceID, now)
			}
		}
	}

	s.checkTelemetry(ctx, now)
}

func (s *Scheduler) switchOn(ctx context.Context, deviceID string, at time.Time) {
	if _, err := s.repo.UpdateDeviceStatus(ctx, deviceID, true, at); err != nil {
		slog.Warn("scheduled switch-on failed", "device_id", deviceID, "error", err)
		return
	}
	s.hub.Broadcast(relay.Event{
		Sender:    deviceID,
		Recipient: deviceID,
		Action:    relay.ActionStatus,
		Value:     0,
	})
}

func (s *Scheduler) switchOff(ctx context.Context, deviceID string, at time.Time) {
	if err := s.energy.RecordTransition(ctx, deviceID, false, at); err != nil {
		slog.Warn("consumption log failed", "device_id", deviceID, "error", err)
	}
	if _, err := s.repo.UpdateDeviceStatus(ctx, deviceID, false, at); err != nil {
		slog.Warn("scheduled switch-off failed", "device_id", deviceID, "error", err)
		return
	}
	s.hub.Broadcast(relay.Event{
		Sender:    deviceID,
		Recipient: deviceID,
		Action:    relay.ActionStatus,
		Value:     1,
	})
}

// checkTelemetry announces when sample ingestion has gone quiet for longer
// than staleAfter.
func (s *Scheduler) checkTelemetry(ctx context.Context, now time.Time) {
	last, ok, err := s.repo.LatestSampleTime(ctx)
	if err != nil {
		slog.Warn("scheduler could not read telemetry cursor", "error", err)
		return
	}
	if !ok {
		return
	}
	if now.Sub(last) > staleAfter {
		s.hub.Broadcast(relay.Event{
			Sender:    "server",
			Recipient: "all",
			Action:    relay.ActionDisconnected,
			Value:     0,
		})
	}
}

// windowCursor projects the offset-shifted wall clock onto the placeholder
// date. The shift wraps past midnight, so only hour and minute survive.
func windowCursor(now time.Time) time.Time {
	shifted := now.Add(cursorOffset)
	return onEpoch(shifted.Hour(), shifted.Minute())
}

func onEpoch(hour, minute int) time.Time {
	return time.Date(windowEpoch.Year(), windowEpoch.Month(), windowEpoch.Day(), hour, minute, 0, 0, time.UTC)
}
