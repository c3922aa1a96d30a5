package types

import (
	"fmt"
	"time"
)

// DeviceConfig is the operator configuration of one charging device.
type DeviceConfig struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	// PolicyID selects the ControlPolicy, defaulting to ID.
	PolicyID string `json:"policyID"`
	// Location selects which solar measurements feed the device.
	Location string `json:"location"`

	ChargingWindowHours int    `json:"chargingWindowHours"`
	DeadlineDay         string `json:"deadlineDay"`
	DeadlineHour        int    `json:"deadlineHour"`
	ScheduleEnabled     bool   `json:"scheduleEnabled"`

	AverageDurationSamples int     `json:"averageDurationSamples"`
	PowerThresholdWatts    float64 `json:"powerThresholdWatts"`
	MinimumDwellMinutes    int     `json:"minimumDwellMinutes"`
}

// Policy returns the id of the policy the device follows.
func (d DeviceConfig) Policy() string {
	if d.PolicyID != "" {
		return d.PolicyID
	}
	return d.ID
}

// Schedule is the operator adjustable deadline of a device.
type Schedule struct {
	Enabled             bool   `json:"enabled"`
	DeadlineDay         string `json:"deadlineDay"`
	DeadlineHour        int    `json:"deadlineHour"`
	ChargingWindowHours int    `json:"chargingWindowHours"`
}

// Schedule returns the configured schedule.
func (d DeviceConfig) Schedule() Schedule {
	return Schedule{
		Enabled:             d.ScheduleEnabled,
		DeadlineDay:         d.DeadlineDay,
		DeadlineHour:        d.DeadlineHour,
		ChargingWindowHours: d.ChargingWindowHours,
	}
}

// WithSchedule returns a copy of d following s.
func (d DeviceConfig) WithSchedule(s Schedule) DeviceConfig {
	d.ScheduleEnabled = s.Enabled
	d.DeadlineDay = s.DeadlineDay
	d.DeadlineHour = s.DeadlineHour
	d.ChargingWindowHours = s.ChargingWindowHours
	return d
}

// MinimumDwell returns the configured dwell time.
func (d DeviceConfig) MinimumDwell() time.Duration {
	return time.Duration(d.MinimumDwellMinutes) * time.Minute
}

// Validate checks the configuration for values that can never work.
func (d DeviceConfig) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("device id is required")
	}
	if d.Policy() == PolicyIDGlobal {
		return fmt.Errorf("device %s: policy id %q is reserved", d.ID, PolicyIDGlobal)
	}
	if d.DeadlineHour < 0 || d.DeadlineHour > 23 {
		return fmt.Errorf("device %s: deadline hour %d out of range", d.ID, d.DeadlineHour)
	}
	if d.ChargingWindowHours < 0 {
		return fmt.Errorf("device %s: negative charging window", d.ID)
	}
	if d.AverageDurationSamples < 0 {
		return fmt.Errorf("device %s: negative average duration", d.ID)
	}
	if d.MinimumDwellMinutes < 0 {
		return fmt.Errorf("device %s: negative minimum dwell", d.ID)
	}
	return nil
}
