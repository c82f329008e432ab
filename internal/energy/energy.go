// Package energy derives consumption records and usage summaries from the
// raw telemetry sample stream.
package energy

import (
	"context"
	"errors"
	"sort"
	"time"

	"outlet-hub/internal/store"
)

var (
	ErrInsufficientData   = errors.New("not enough samples recorded")
	ErrInvalidGranularity = errors.New("invalid frequency")
)

type Service struct {
	repo *store.Repo
}

func New(repo *store.Repo) *Service {
	return &Service{repo: repo}
}

// RecordTransition derives a consumption log entry from a status change.
// It only acts when the device is transitioning into off from a previously
// recorded on state: the consumed amount is the aggregate power sum over
// [device.UpdatedAt, at]. Unknown devices, already-off devices and empty
// windows are silent no-ops. Callers must invoke this before writing the
// new status so the previous window boundary is still visible.
func (s *Service) RecordTransition(ctx context.Context, deviceID string, nowOn bool, at time.Time) error {
	if nowOn {
		return nil
	}
	dev, err := s.repo.GetDevice(ctx, deviceID)
	if err != nil {
		if errors.Is(err, store.ErrDeviceNotFound) {
			return nil
		}
		return err
	}
	if !dev.DeviceStatus || dev.UpdatedAt.IsZero() {
		return nil
	}
	consumed, err := s.repo.SumPowerBetween(ctx, dev.UpdatedAt, at)
	if err != nil {
		return err
	}
	if consumed == 0 {
		return nil
	}
	return s.repo.CreateConsumptionLog(ctx, &store.ConsumptionLog{
		DeviceID:   dev.DeviceID,
		DeviceName: dev.DeviceName,
		Opened:     dev.UpdatedAt,
		Closed:     at,
		Consumed:   consumed,
	})
}

// Summary is the daily usage report for one target date.
type Summary struct {
	Power       float64   `json:"power"`
	Current     float64   `json:"current"`
	Voltage     float64   `json:"voltage"`
	Energy      float64   `json:"energy"`
	Frequency   float64   `json:"frequency"`
	PowerFactor float64   `json:"powerFactor"`
	RecordedAt  time.Time `json:"recordedAt"`
	Consumption float64   `json:"consumption"`
	Cost        float64   `json:"cost"`
}

// DailySummary reports consumption over [midnight of the day before target,
// midnight of target]. When no samples fall in that window the latest
// sample's readings come back with consumption and cost zeroed. Fewer than
// two samples in all of history is ErrInsufficientData.
func (s *Service) DailySummary(ctx context.Context, target time.Time) (*Summary, error) {
	settings, err := s.repo.GetSettings(ctx)
	if err != nil {
		return nil, err
	}

	last, err := s.repo.LastSamples(ctx, 2)
	if err != nil {
		return nil, err
	}
	if len(last) < 2 {
		return nil, ErrInsufficientData
	}
	latest := last[0]

	dayEnd := time.Date(target.Year(), target.Month(), target.Day(), 0, 0, 0, 0, target.Location())
	dayStart := dayEnd.AddDate(0, 0, -1)
	rows, err := s.repo.SamplesBetween(ctx, dayStart, dayEnd)
	if err != nil {
		return nil, err
	}

	out := &Summary{
		Power:       latest.Power,
		Current:     latest.Current,
		Voltage:     latest.Voltage,
		Energy:      latest.Energy,
		Frequency:   latest.Frequency,
		PowerFactor: latest.PowerFactor,
		RecordedAt:  latest.RecordedAt,
	}
	if len(rows) == 0 {
		return out, nil
	}

	minEnergy, maxEnergy := rows[0].Energy, rows[0].Energy
	for _, r := range rows[1:] {
		if r.Energy < minEnergy {
			minEnergy = r.Energy
		}
		if r.Energy > maxEnergy {
			maxEnergy = r.Energy
		}
	}
	out.Consumption = maxEnergy - minEnergy
	out.Cost = out.Consumption * settings.CostPerWatt
	return out, nil
}

// MonthlyConsumption is the spread of the cumulative energy counter within
// one month-of-year. Months are folded across years, matching the summary
// the mobile clients consume.
type MonthlyConsumption struct {
	Month       int     `json:"month"`
	Consumption float64 `json:"consumption"`
}

func (s *Service) MonthlySummary(ctx context.Context) ([]MonthlyConsumption, error) {
	rows, err := s.repo.AllSamples(ctx)
	if err != nil {
		return nil, err
	}

	type span struct{ min, max float64 }
	byMonth := map[int]*span{}
	for _, r := range rows {
		m := int(r.RecordedAt.Month())
		sp, ok := byMonth[m]
		if !ok {
			byMonth[m] = &span{min: r.Energy, max: r.Energy}
			continue
		}
		if r.Energy < sp.min {
			sp.min = r.Energy
		}
		if r.Energy > sp.max {
			sp.max = r.Energy
		}
	}

	out := make([]MonthlyConsumption, 0, len(byMonth))
	for m, sp := range byMonth {
		out = append(out, MonthlyConsumption{Month: m, Consumption: sp.max - sp.min})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Month > out[j].Month })
	return out, nil
}

// HistoryBucket is the total ingested energy for one truncated time bucket.
type HistoryBucket struct {
	Stamp  time.Time `json:"stamp"`
	Energy float64   `json:"energy"`
}

// History buckets the sample stream by hour, day, week or month and sums the
// energy readings per bucket, ascending. Any other granularity is
// ErrInvalidGranularity.
func (s *Service) History(ctx context.Context, granularity string) ([]HistoryBucket, error) {
	switch granularity {
	case "hour", "day", "week", "month":
	default:
		return nil, ErrInvalidGranularity
	}

	rows, err := s.repo.AllSamples(ctx)
	if err != nil {
		return nil, err
	}

	totals := map[time.Time]float64{}
	for _, r := range rows {
		totals[truncate(r.RecordedAt.UTC(), granularity)] += r.Energy
	}
	out := make([]HistoryBucket, 0, len(totals))
	for stamp, total := range totals {
		out = append(out, HistoryBucket{Stamp: stamp, Energy: total})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stamp.Before(out[j].Stamp) })
	return out, nil
}

func truncate(t time.Time, granularity string) time.Time {
	switch granularity {
	case "hour":
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location())
	case "day":
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	case "week":
		// Weeks start on Monday.
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	default: // month
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	}
}
