package reminder

import "strings"

// Template is the push content of a slot kind.
type Template struct {
	Title string
	Body  string
	Emoji string
}

var templates = map[Kind]Template{
	KindWake:           {Title: "Good morning! ☀️", Body: "Time to rise. Tap to log your wake time.", Emoji: "☀️"},
	KindBedtime:        {Title: "Bedtime 🌙", Body: "Heading to bed? Tap to log your sleep.", Emoji: "🌙"},
	KindBreakfast:      {Title: "Breakfast time 🍳", Body: "Start your day right. How was breakfast?", Emoji: "🍳"},
	KindMidMorning:     {Title: "Mid-morning snack 🍎", Body: "Mid-morning bite? Log it in one tap.", Emoji: "🍎"},
	KindLunch:          {Title: "Lunch time 🥗", Body: "Midday refuel. How was lunch?", Emoji: "🥗"},
	KindAfternoonBreak: {Title: "Afternoon snack 🍪", Body: "Afternoon snack time! Log it in one tap.", Emoji: "🍪"},
	KindDinner:         {Title: "Dinner time 🍽️", Body: "Evening meal. How was dinner?", Emoji: "🍽️"},
	KindPostDinner:     {Title: "Post-dinner 🍵", Body: "After-dinner snack or tea? Log it in one tap.", Emoji: "🍵"},
	KindHydration:      {Title: "Hydration check 💧", Body: "Time for a glass of water. How much did you drink?", Emoji: "💧"},
	KindCustom:         {Title: "Reminder 🔔", Body: "Your custom reminder is due.", Emoji: "🔔"},
}

// TemplateFor returns the template of a kind, defaulting to the custom one.
func TemplateFor(kind Kind) Template {
	if t, ok := templates[kind]; ok {
		return t
	}
	return templates[KindCustom]
}

// Message is what the delivery gateway sends for one slot.
type Message struct {
	Title string
	Body  string
	Data  map[string]string
}

// MessageFor renders the push message of a slot. Data values are strings
// only, as required by mobile push payloads.
func MessageFor(s *Slot) Message {
	t := TemplateFor(s.Kind)
	title := t.Title
	if s.Kind == KindCustom && s.Label != "" {
		title = s.Label + " " + t.Emoji
	}

	actions := QuickActions(s.Kind)
	names := make([]string, len(actions))
	for i, a := range actions {
		names[i] = string(a)
	}

	return Message{
		Title: title,
		Body:  t.Body,
		Data: map[string]string{
			"notification_type": string(s.Kind),
			"slot_label":        s.Label,
			"date":              s.Date,
			"uid":               s.UserID,
			"title":             title,
			"body":              t.Body,
			"actions":           strings.Join(names, ","),
			"emoji":             t.Emoji,
		},
	}
}
