package clock

import (
	"fmt"
	"time"
)

const (
	// firstBellOffset is when the opening single bell rings.
	firstBellOffset = 60 * time.Second

	// lastMinute is how long before the target the closing single bell rings.
	lastMinute = 60 * time.Second

	// overtimeInterval separates the repeating triple bells after the target.
	overtimeInterval = 15 * time.Second

	// overtimeBells bounds the number of overtime bells per speech.
	overtimeBells = 20
)

// Bell is a single scheduled bell: the offset from speech start at which it
// rings and how many dings it carries (1, 2 or 3).
type Bell struct {
	Offset time.Duration `json:"offset"`
	Dings  int           `json:"dings"`
}

// BellSchedule is an ordered list of bells with strictly increasing offsets.
type BellSchedule []Bell

// NewBellSchedule computes the bells for a speech of the given target length:
//
//   - one ding at 60s when target ≥ 60s
//   - one ding at target−60s when target ≥ 120s
//   - two dings at target
//   - three dings every 15s after target, 20 times
//
// A single-ding bell is only added when it lands strictly after the previous
// bell and strictly before the target, so offsets never repeat.
func NewBellSchedule(target time.Duration) BellSchedule {
	s := make(BellSchedule, 0, 3+overtimeBells)
	addSingle := func(at time.Duration) {
		if at >= target {
			return
		}
		if n := len(s); n > 0 && at <= s[n-1].Offset {
			return
		}
		s = append(s, Bell{Offset: at, Dings: 1})
	}
	if target >= firstBellOffset {
		addSingle(firstBellOffset)
	}
	if target >= 2*lastMinute {
		addSingle(target - lastMinute)
	}
	s = append(s, Bell{Offset: target, Dings: 2})
	for k := 1; k <= overtimeBells; k++ {
		s = append(s, Bell{Offset: target + time.Duration(k)*overtimeInterval, Dings: 3})
	}
	return s
}

// WarningLevel is the pre-expiry warning derived from the remaining time.
type WarningLevel int

const (
	WarningNone WarningLevel = iota
	WarningMild
	WarningSevere
	WarningCritical
)

// String returns the lower-case name of the level.
func (w WarningLevel) String() string {
	switch w {
	case WarningMild:
		return "mild"
	case WarningSevere:
		return "severe"
	case WarningCritical:
		return "critical"
	default:
		return "none"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (w WarningLevel) MarshalText() ([]byte, error) { return []byte(w.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (w *WarningLevel) UnmarshalText(b []byte) error {
	for c := WarningNone; c <= WarningCritical; c++ {
		if c.String() == string(b) {
			*w = c
			return nil
		}
	}
	return fmt.Errorf("clock: unknown warning level %q", b)
}

// DeriveWarning returns the warning level for elapsed against target. Once the
// target is reached the speech is in overtime and no pre-expiry warning
// applies.
func DeriveWarning(elapsed, target time.Duration) WarningLevel {
	if elapsed >= target {
		return WarningNone
	}
	remaining := target - elapsed
	switch {
	case remaining <= 15*time.Second:
		return WarningCritical
	case remaining <= 30*time.Second:
		return WarningSevere
	case remaining <= 60*time.Second:
		return WarningMild
	default:
		return WarningNone
	}
}
