package policy

import (
	"time"

	"nuha.dev/locshare/internal/power"
)

type AccuracyClass int

const (
	AccuracyLow AccuracyClass = iota
	AccuracyMedium
	AccuracyHigh
)

func (a AccuracyClass) String() string {
	switch a {
	case AccuracyHigh:
		return "high"
	case AccuracyMedium:
		return "medium"
	default:
		return "low"
	}
}

// DeviceClass encodes the manufacturer power-management behaviour as
// configuration data: interval multiplier applied on top of the battery
// table. Aggressive managers kill background work sooner, so sampling is
// slowed down to stay under their radar instead of fighting them.
type DeviceClass struct {
	Name               string  `mapstructure:"name"`
	IntervalMultiplier float64 `mapstructure:"interval_multiplier" validate:"gte=1"`
}

var (
	ClassPermissive = DeviceClass{Name: "permissive", IntervalMultiplier: 1.0}
	ClassStandard   = DeviceClass{Name: "standard", IntervalMultiplier: 1.5}
	ClassAggressive = DeviceClass{Name: "aggressive", IntervalMultiplier: 2.0}
)

func ClassByName(name string) DeviceClass {
	switch name {
	case "permissive":
		return ClassPermissive
	case "aggressive":
		return ClassAggressive
	default:
		return ClassStandard
	}
}

// Profile is what the sampling layer is asked to deliver for the
// current power state.
type Profile struct {
	Interval         time.Duration
	MinDisplacementM float64
	Accuracy         AccuracyClass
}

// Evaluate maps the power state to a sampling profile. Pure function,
// consulted before each sampling cycle and on every power-state change.
// Invariant: at a fixed charging state, a lower battery level never
// yields a shorter interval or finer accuracy than a higher one.
func Evaluate(st power.State, class DeviceClass) Profile {
	var p Profile
	switch {
	case st.Charging:
		p = Profile{Interval: 10 * time.Second, MinDisplacementM: 5, Accuracy: AccuracyHigh}
	case st.BatteryLevel >= 30 && !st.PowerSave:
		p = Profile{Interval: 20 * time.Second, MinDisplacementM: 10, Accuracy: AccuracyHigh}
	case st.BatteryLevel >= 15:
		p = Profile{Interval: 40 * time.Second, MinDisplacementM: 25, Accuracy: AccuracyMedium}
	default:
		p = Profile{Interval: 60 * time.Second, MinDisplacementM: 50, Accuracy: AccuracyLow}
	}
	if class.IntervalMultiplier > 1 {
		p.Interval = time.Duration(float64(p.Interval) * class.IntervalMultiplier)
	}
	// offline keeps the same cadence; publishing is deferred downstream
	return p
}
