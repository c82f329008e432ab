package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	ErrDeviceNotFound   = errors.New("device not found")
	ErrScheduleNotFound = errors.New("schedule not found")
	ErrSettingsNotFound = errors.New("settings not found")
)

// settingsKey is the primary key of the singleton UserSettings row.
const settingsKey = 1

type Repo struct {
	db *gorm.DB
}

func OpenPostgres(user, password, dbName, host, port, sslMode string) (*gorm.DB, error) {
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC", host, user, password, dbName, port, sslMode)
	gormLogger := logger.New(
		log.New(os.Stdout, "", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	return gorm.Open(
		postgres.New(postgres.Config{DSN: dsn}),
		&gorm.Config{DisableForeignKeyConstraintWhenMigrating: true, Logger: gormLogger},
	)
}

func OpenSQLite(path string) (*gorm.DB, error) {
	if strings.TrimSpace(path) == "" {
		path = "outlet-hub.db"
	}
	return gorm.Open(sqlite.Open(path), &gorm.Config{})
}

func New(db *gorm.DB) (*Repo, error) {
	if err := db.AutoMigrate(&Device{}, &Schedule{}, &EnergySample{}, &ConsumptionLog{}, &UserSettings{}); err != nil {
		return nil, err
	}
	// Settings are a pre-seeded singleton.
	seed := UserSettings{SettingID: settingsKey}
	if err := db.FirstOrCreate(&seed, UserSettings{SettingID: settingsKey}).Error; err != nil {
		return nil, err
	}
	return &Repo{db: db}, nil
}

// --- Devices ---

func (r *Repo) CreateDevice(ctx context.Context, dev *Device) error {
	dev.DeviceName = strings.TrimSpace(dev.DeviceName)
	if dev.DeviceName == "" {
		return errors.New("device.deviceName is required")
	}
	return r.db.WithContext(ctx).Create(dev).Error
}

func (r *Repo) GetDevice(ctx context.Context, id string) (*Device, error) {
	var row Device
	if err := r.db.WithContext(ctx).First(&row, "device_id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}
	return &row, nil
}

// DeviceView is a listed outlet plus whether it has an active schedule.
type DeviceView struct {
	Device
	DeviceSchedule bool `json:"deviceSchedule"`
}

// ListDevices returns devices ordered by outlet position. With
// excludeControllers set, hub/bridge devices are filtered out.
func (r *Repo) ListDevices(ctx context.Context, excludeControllers bool) ([]DeviceView, error) {
	q := r.db.WithContext(ctx).Order("outlet asc")
	if excludeControllers {
		q = q.Where("controller = ?", false)
	}
	var devices []Device
	if err := q.Find(&devices).Error; err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return []DeviceView{}, nil
	}

	ids := make([]string, 0, len(devices))
	for _, d := range devices {
		ids = append(ids, d.DeviceID)
	}
	var schedules []Schedule
	if err := r.db.WithContext(ctx).Where("device_id IN ?", ids).Find(&schedules).Error; err != nil {
		return nil, err
	}
	activeByDevice := map[string]bool{}
	for _, s := range schedules {
		activeByDevice[s.DeviceID] = s.Active
	}

	out := make([]DeviceView, 0, len(devices))
	for _, d := range devices {
		out = append(out, DeviceView{Device: d, DeviceSchedule: activeByDevice[d.DeviceID]})
	}
	return out, nil
}

// UpdateDeviceStatus applies an on/off transition as a single conditional
// update keyed by device id, stamping UpdatedAt with the transition time.
func (r *Repo) UpdateDeviceStatus(ctx context.Context, id string, on bool, at time.Time) (*Device, error) {
	res := r.db.WithContext(ctx).Model(&Device{}).Where("device_id = ?", id).
		UpdateColumns(map[string]any{"device_status": on, "updated_at": at})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrDeviceNotFound
	}
	return r.GetDevice(ctx, id)
}

// UpdateDeviceSwitch sets status and timer flag together, for timer-driven
// transitions.
func (r *Repo) UpdateDeviceSwitch(ctx context.Context, id string, on, timer bool, at time.Time) (*Device, error) {
	res := r.db.WithContext(ctx).Model(&Device{}).Where("device_id = ?", id).
		UpdateColumns(map[string]any{"device_status": on, "device_timer": timer, "updated_at": at})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrDeviceNotFound
	}
	return r.GetDevice(ctx, id)
}

func (r *Repo) UpdateDeviceDetails(ctx context.Context, id string, patch map[string]any) (*Device, error) {
	if v, ok := patch["device_name"].(string); ok {
		patch["device_name"] = strings.TrimSpace(v)
	}
	if len(patch) > 0 {
		res := r.db.WithContext(ctx).Model(&Device{}).Where("device_id = ?", id).Updates(patch)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			return nil, ErrDeviceNotFound
		}
	}
	return r.GetDevice(ctx, id)
}

// --- Schedules ---

func (r *Repo) GetSchedule(ctx context.Context, deviceID string) (*Schedule, error) {
	var row Schedule
	if err := r.db.WithContext(ctx).First(&row, "device_id = ?", deviceID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrScheduleNotFound
		}
		return nil, err
	}
	return &row, nil
}

// UpsertSchedule creates the device's schedule row or replaces its window in
// place. Either way the schedule comes back active.
func (r *Repo) UpsertSchedule(ctx context.Context, deviceID string, window Schedule) (*Schedule, error) {
	var out *Schedule
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Schedule
		err := tx.First(&existing, "device_id = ?", deviceID).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			row := Schedule{
				DeviceID:    deviceID,
				StartHour:   window.StartHour,
				StartMinute: window.StartMinute,
				EndHour:     window.EndHour,
				EndMinute:   window.EndMinute,
				Active:      true,
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
			out = &row
			return nil
		}
		existing.StartHour = window.StartHour
		existing.StartMinute = window.StartMinute
		existing.EndHour = window.EndHour
		existing.EndMinute = window.EndMinute
		existing.Active = true
		if err := tx.Save(&existing).Error; err != nil {
			return err
		}
		out = &existing
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeactivateSchedule stops a schedule without deleting its window.
func (r *Repo) DeactivateSchedule(ctx context.Context, deviceID string) (*Schedule, error) {
	res := r.db.WithContext(ctx).Model(&Schedule{}).Where("device_id = ?", deviceID).Update("active", false)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrScheduleNotFound
	}
	return r.GetSchedule(ctx, deviceID)
}

func (r *Repo) ListActiveSchedules(ctx context.Context) ([]Schedule, error) {
	var rows []Schedule
	if err := r.db.WithContext(ctx).Where("active = ?", true).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// --- Energy samples ---

func (r *Repo) InsertSample(ctx context.Context, s *EnergySample) error {
	if s.RecordedAt.IsZero() {
		s.RecordedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(s).Error
}

// SumPowerBetween is the aggregate power sum over [from, to] inclusive, used
// to derive consumption for one on-window.
func (r *Repo) SumPowerBetween(ctx context.Context, from, to time.Time) (float64, error) {
	var sum *float64
	err := r.db.WithContext(ctx).Model(&EnergySample{}).
		Where("recorded_at >= ? AND recorded_at <= ?", from, to).
		Select("SUM(power)").Scan(&sum).Error
	if err != nil {
		return 0, err
	}
	if sum == nil {
		return 0, nil
	}
	return *sum, nil
}

func (r *Repo) SamplesBetween(ctx context.Context, from, to time.Time) ([]EnergySample, error) {
	var rows []EnergySample
	err := r.db.WithContext(ctx).
		Where("recorded_at >= ? AND recorded_at <= ?", from, to).
		Order("recorded_at desc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// LastSamples returns up to n samples, most recent first.
func (r *Repo) LastSamples(ctx context.Context, n int) ([]EnergySample, error) {
	var rows []EnergySample
	if err := r.db.WithContext(ctx).Order("recorded_at desc").Limit(n).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repo) AllSamples(ctx context.Context) ([]EnergySample, error) {
	var rows []EnergySample
	if err := r.db.WithContext(ctx).Order("recorded_at asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// LatestSampleTime reports when telemetry last arrived. ok is false when no
// sample has ever been recorded.
func (r *Repo) LatestSampleTime(ctx context.Context) (time.Time, bool, error) {
	var row EnergySample
	err := r.db.WithContext(ctx).Order("recorded_at desc").First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	return row.RecordedAt, true, nil
}

// --- Consumption logs ---

func (r *Repo) CreateConsumptionLog(ctx context.Context, entry *ConsumptionLog) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *Repo) ListConsumptionLogs(ctx context.Context, deviceID string) ([]ConsumptionLog, error) {
	var rows []ConsumptionLog
	err := r.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("closed desc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// --- Settings ---

func (r *Repo) GetSettings(ctx context.Context) (*UserSettings, error) {
	var row UserSettings
	if err := r.db.WithContext(ctx).First(&row, "setting_id = ?", settingsKey).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSettingsNotFound
		}
		return nil, err
	}
	return &row, nil
}

func (r *Repo) UpdateSettings(ctx context.Context, costPerWatt, maxWattPerDay float64, frequency int) (*UserSettings, error) {
	res := r.db.WithContext(ctx).Model(&UserSettings{}).Where("setting_id = ?", settingsKey).
		Updates(map[string]any{
			"cost_per_watt":    costPerWatt,
			"max_watt_per_day": maxWattPerDay,
			"frequency":        frequency,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrSettingsNotFound
	}
	return r.GetSettings(ctx)
}
