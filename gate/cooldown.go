package gate

import "time"

// Behavior categories with a cooldown.
const (
	CategoryGreeting    = "GREETING"
	CategoryEventFollow = "EVENT_FOLLOW"
	CategoryEventSub    = "EVENT_SUB"
	CategoryEventCheer  = "EVENT_CHEER"
	CategoryEventRaid   = "EVENT_RAID"
)

var eventCooldowns = map[string]time.Duration{
	CategoryEventFollow: 45 * time.Second,
	CategoryEventSub:    20 * time.Second,
	CategoryEventCheer:  20 * time.Second,
	CategoryEventRaid:   30 * time.Second,
}

const greetingCooldown = 15 * time.Second

// CooldownFor returns the cooldown key, window and suppression reason of a
// category. Categories without a cooldown return an empty key.
func CooldownFor(category string) (key string, window time.Duration, reason string) {
	if w, ok := eventCooldowns[category]; ok {
		return category, w, ReasonEventCooldown
	}
	if category == CategoryGreeting {
		return category, greetingCooldown, ReasonGreetingCooldown
	}
	return "", 0, ""
}
