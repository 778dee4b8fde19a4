// Package gateway is the outbound delivery boundary. The scheduling core
// hands it a channel string and a composed message; everything past that
// (retries, provider fallbacks) is the gateway's own business.
package gateway

import (
	"context"
	"fmt"
	"strings"

	"checkind/internal/domain"
)

// Message is the delivery payload for one fired trigger.
type Message struct {
	Kind  string   // reminder kind for the fire's time of day
	Types []string // check-in types asked at this slot
	Text  string
}

type Gateway interface {
	Send(ctx context.Context, channel string, msg Message) error
}

// SplitChannel separates a channel string like "telegram:123456" into its
// provider and address parts.
func SplitChannel(channel string) (provider, address string, err error) {
	provider, address, ok := strings.Cut(channel, ":")
	if !ok || provider == "" || address == "" {
		return "", "", fmt.Errorf("malformed channel %q", channel)
	}
	return provider, address, nil
}

var kindLead = map[string]string{
	domain.KindMorningReminder:   "Good morning!",
	domain.KindNoonCheck:         "Midday check.",
	domain.KindAfternoonReminder: "Afternoon check-in.",
	domain.KindEveningPlanning:   "Evening wrap-up.",
	domain.KindNightHabitsCheck:  "Before bed, one last check.",
}

// ComposeText renders the default message body for one fired slot.
func ComposeText(kind string, types []string) string {
	lead, ok := kindLead[kind]
	if !ok {
		lead = "Check-in time."
	}
	if len(types) == 0 {
		return lead
	}
	return lead + " How is your " + strings.Join(types, ", ") + "?"
}
