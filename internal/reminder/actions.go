package reminder

import "time"

// Action is a user response to a slot.
type Action string

const (
	ActionAck       Action = "ack"
	ActionSkip      Action = "skip"
	ActionSnooze15  Action = "snooze_15"
	ActionSnooze30  Action = "snooze_30"
	ActionML250     Action = "ml_250"
	ActionML500     Action = "ml_500"
	ActionML750     Action = "ml_750"
	ActionIAmAwake  Action = "i_am_awake"
	ActionLogNow    Action = "log_now"
	ActionLightMeal Action = "light_meal"
	ActionFullMeal  Action = "full_meal"
	ActionSkipped   Action = "skipped"
	ActionLogged    Action = "logged"
)

var common = []Action{ActionSnooze15, ActionSnooze30, ActionSkip}

var quickActions = map[Category]map[Kind][]Action{
	CategoryHydration: {KindHydration: {ActionML250, ActionML500, ActionML750}},
	CategorySleep: {
		KindWake:    {ActionIAmAwake},
		KindBedtime: {ActionLogNow},
	},
	CategoryCustom: {KindCustom: {ActionLogged}},
}

var mealActions = []Action{ActionLightMeal, ActionFullMeal, ActionSkipped}

// QuickActions lists the one-tap actions offered for a kind, in display
// order. "ack" is accepted for every kind but is not listed.
func QuickActions(kind Kind) []Action {
	var logs []Action
	if kind.Category() == CategoryNutrition {
		logs = mealActions
	} else {
		logs = quickActions[kind.Category()][kind]
	}
	out := make([]Action, 0, len(logs)+len(common))
	out = append(out, logs...)
	return append(out, common...)
}

// IsValid reports whether a is accepted for a slot of the given kind.
func (a Action) IsValid(kind Kind) bool {
	if a == ActionAck {
		return true
	}
	for _, v := range QuickActions(kind) {
		if v == a {
			return true
		}
	}
	return false
}

// SnoozeDuration returns how far a snooze action defers the slot.
func (a Action) SnoozeDuration() (time.Duration, bool) {
	switch a {
	case ActionSnooze15:
		return 15 * time.Minute, true
	case ActionSnooze30:
		return 30 * time.Minute, true
	}
	return 0, false
}

// IsLog reports whether the action records an entry in the user's logs.
func (a Action) IsLog() bool {
	switch a {
	case ActionAck, ActionSkip, ActionSnooze15, ActionSnooze30:
		return false
	}
	return true
}
