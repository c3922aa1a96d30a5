package types

// PolicyIDGlobal is the id of the policy record that holds the retail diff
// shared by all devices.
const PolicyIDGlobal = "global"

// Defaults for a policy that has never been configured.
const (
	DefaultPriceThreshold = 0.3
	DefaultRetailDiff     = 0.15
)

// ControlPolicy is the operator controlled configuration of a device.
type ControlPolicy struct {
	ID string `json:"id"`
	// PriceThreshold is the ceiling, before the retail diff is subtracted, under
	// which low price charging is permitted (in €/kWh).
	PriceThreshold float64 `json:"priceThreshold"`
	// Active false forces the device into not_active.
	Active bool `json:"active"`
	// RetailDiff is the margin between the market feed and the reference
	// retail tariff. It is only maintained on the global policy.
	RetailDiff float64 `json:"essentDiff"`
}

// DefaultPolicy returns the policy a device starts with.
func DefaultPolicy(id string) ControlPolicy {
	return ControlPolicy{
		ID:             id,
		PriceThreshold: DefaultPriceThreshold,
		Active:         true,
	}
}
