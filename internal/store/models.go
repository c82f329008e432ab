package store

import (
	"time"

	"gorm.io/datatypes"
)

// Device is a controllable smart outlet. Controller devices are hub/bridge
// endpoints and are excluded from outlet listings. UpdatedAt carries the
// moment of the last status transition and bounds consumption windows.
type Device struct {
	DeviceID       string         `json:"deviceId" gorm:"primaryKey"`
	DeviceName     string         `json:"deviceName" gorm:"not null"`
	DevicePass     string         `json:"devicePass"`
	DeviceCategory string         `json:"deviceCategory"`
	DeviceStatus   bool           `json:"deviceStatus"`
	Controller     bool           `json:"controller"`
	DeviceTimer    bool           `json:"deviceTimer"`
	Outlet         int            `json:"outlet"`
	Meta           datatypes.JSON `json:"meta"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

func (Device) TableName() string { return "devices" }

// Schedule is a recurring daily on/off window. At most one row per device;
// resubmitting replaces the window in place and re-activates it.
type Schedule struct {
	ScheduleID  int64  `json:"scheduleId" gorm:"primaryKey;autoIncrement"`
	DeviceID    string `json:"deviceId" gorm:"uniqueIndex;not null"`
	StartHour   int    `json:"startHour"`
	StartMinute int    `json:"startMinute"`
	EndHour     int    `json:"endHour"`
	EndMinute   int    `json:"endMinute"`
	Active      bool   `json:"active"`
}

func (Schedule) TableName() string { return "schedules" }

// EnergySample is one immutable telemetry reading from the metering device.
type EnergySample struct {
	RecordID    int64     `json:"reportId" gorm:"primaryKey;autoIncrement"`
	Power       float64   `json:"power"`
	Voltage     float64   `json:"voltage"`
	Current     float64   `json:"current"`
	Energy      float64   `json:"energy"`
	Frequency   float64   `json:"frequency"`
	PowerFactor float64   `json:"powerFactor"`
	RecordedAt  time.Time `json:"recordedAt" gorm:"index"`
}

func (EnergySample) TableName() string { return "energy_samples" }

// ConsumptionLog records the energy consumed while a device was on, derived
// once per on->off transition.
type ConsumptionLog struct {
	LogID      int64     `json:"logId" gorm:"primaryKey;autoIncrement"`
	DeviceID   string    `json:"deviceId" gorm:"index;not null"`
	DeviceName string    `json:"deviceName"`
	Opened     time.Time `json:"opened"`
	Closed     time.Time `json:"closed"`
	Consumed   float64   `json:"consumed"`
}

func (ConsumptionLog) TableName() string { return "consumption_logs" }

// UserSettings is a singleton row (SettingID is always 1), seeded on migrate.
type UserSettings struct {
	SettingID     int     `json:"-" gorm:"primaryKey"`
	CostPerWatt   float64 `json:"costPerWatt"`
	MaxWattPerDay float64 `json:"maxWattPerDay"`
	Frequency     int     `json:"frequency"`
}

func (UserSettings) TableName() string { return "user_settings" }
