package policy

import (
	"github.com/teranos/scenesync/scene"
)

// Action is the timing verdict for one delta.
type Action int

const (
	// ApplyNow lets the delta through.
	ApplyNow Action = iota
	// Defer holds it until Decision.Until is met.
	Defer
	// Drop discards it; the attribute is local to each peer.
	Drop
)

func (a Action) String() string {
	switch a {
	case Defer:
		return "defer"
	case Drop:
		return "drop"
	}
	return "apply_now"
}

// Condition names what a deferred delta waits for.
type Condition string

const (
	// UntilConfirmed waits for the same value to be observed again.
	UntilConfirmed Condition = "confirmed"
	// UntilModeExit waits for the holding object to return to the default
	// editing mode.
	UntilModeExit Condition = "mode_exit"
)

// Decision is what ShouldDefer returns.
type Decision struct {
	Action Action
	Until  Condition
}

var applyNow = Decision{Action: ApplyNow}

// History is what the policy knows about an attribute before the delta
// under consideration.
type History struct {
	// LastSent is the value peers last received for the attribute.
	LastSent scene.Value
	// Candidate is the most recent unconfirmed observation, if any.
	Candidate *scene.Value
	// Seen counts consecutive observations of Candidate.
	Seen int

	// HolderMode is the editing mode of the object that owns the entity
	// (the entity itself, or the object instancing it as data).
	HolderMode  string
	DefaultMode string
}

// observe returns the toggle state after seeing v.
func (h History) observe(v scene.Value) (scene.Value, int) {
	if h.Candidate != nil && h.Candidate.Equal(v) {
		return v, h.Seen + 1
	}
	return v, 1
}

// ShouldDefer decides when op may be applied or sent. It only looks at the
// category's rule and the history; it never inspects or changes the value
// beyond comparing it.
func ShouldDefer(cat Category, op scene.Op, h History) Decision {
	if op.IsStructural() {
		return applyNow
	}
	switch cat.Rule {
	case RuleExclude:
		return Decision{Action: Drop}
	case RuleModeBuffer:
		if h.HolderMode != "" && h.HolderMode != h.DefaultMode {
			return Decision{Action: Defer, Until: UntilModeExit}
		}
	case RuleTwoToggle:
		if op.Kind != scene.OpUpdate || op.Value == nil || op.Value.Kind() != scene.KindBool {
			return applyNow
		}
		cand, seen := h.observe(*op.Value)
		if seen < 2 || cand.Equal(h.LastSent) {
			return Decision{Action: Defer, Until: UntilConfirmed}
		}
	}
	return applyNow
}
