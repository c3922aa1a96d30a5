package types

import "time"

// ChargeState is the resolved status of a charging device.
type ChargeState string

const (
	// ChargeStateNotSet is the state of a device that has never committed a
	// transition. It is never logged.
	ChargeStateNotSet           ChargeState = "not_set"
	ChargeStateNotActive        ChargeState = "not_active"
	ChargeStateChargingSchedule ChargeState = "charging_schedule"
	ChargeStateChargingLowPrice ChargeState = "charging_low_price"
	ChargeStateChargingSun      ChargeState = "charging_sun"
	ChargeStateWaiting          ChargeState = "waiting"
	ChargeStateChargingMinDwell ChargeState = "charging_min_duration"
	ChargeStateWaitingMinDwell  ChargeState = "waiting_min_duration"
)

// IsCharging reports whether the state belongs to the charging group.
func (s ChargeState) IsCharging() bool {
	switch s {
	case ChargeStateChargingSchedule, ChargeStateChargingLowPrice, ChargeStateChargingSun:
		return true
	}
	return false
}

// IsTransitional reports whether the state is only surfaced while the dwell
// timer holds back a category switch.
func (s ChargeState) IsTransitional() bool {
	return s == ChargeStateChargingMinDwell || s == ChargeStateWaitingMinDwell
}

// ChargeLogEntry records a committed transition. Entries are only ever
// appended.
type ChargeLogEntry struct {
	ID        string      `json:"id"`
	DeviceID  string      `json:"deviceID"`
	State     ChargeState `json:"state"`
	Timestamp time.Time   `json:"timestamp"`
}

// Measurement is a solar power sample in watts.
type Measurement struct {
	Value     float64   `json:"value"`
	Location  string    `json:"location"`
	Timestamp time.Time `json:"timestamp"`
}

// AverageValue returns the mean of the first n measurements. If fewer than n
// are available all of them are used. ok is false when there are none.
func AverageValue(measurements []Measurement, n int) (avg float64, ok bool) {
	if n > len(measurements) {
		n = len(measurements)
	}
	if n <= 0 {
		return 0, false
	}
	var sum float64
	for _, m := range measurements[:n] {
		sum += m.Value
	}
	return sum / float64(n), true
}
