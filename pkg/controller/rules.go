package controller

import "github.com/chargerudder/chargerudder/pkg/types"

// Signals are the inputs of a charging decision for one instant.
type Signals struct {
	Active   bool
	Schedule bool
	LowPrice bool
	Sun      bool
}

type rule struct {
	name    string
	applies func(Signals) bool
	target  types.ChargeState
}

// rules are evaluated in order and the first one that applies wins.
var rules = []rule{
	{
		name:    "device is not active",
		applies: func(s Signals) bool { return !s.Active },
		target:  types.ChargeStateNotActive,
	},
	{
		name:    "deadline is within the charging window",
		applies: func(s Signals) bool { return s.Schedule },
		target:  types.ChargeStateChargingSchedule,
	},
	{
		name:    "current price is below the threshold",
		applies: func(s Signals) bool { return s.LowPrice },
		target:  types.ChargeStateChargingLowPrice,
	},
	{
		name:    "solar power is above the threshold",
		applies: func(s Signals) bool { return s.Sun },
		target:  types.ChargeStateChargingSun,
	},
	{
		name:    "nothing to charge for",
		applies: func(Signals) bool { return true },
		target:  types.ChargeStateWaiting,
	},
}

// Decide returns the state the signals call for along with the reason.
func Decide(s Signals) (types.ChargeState, string) {
	for _, r := range rules {
		if r.applies(s) {
			return r.target, r.name
		}
	}
	// the last rule always applies
	return types.ChargeStateWaiting, rules[len(rules)-1].name
}
