package gateway

import (
	"context"
	"strings"

	logx "checkind/pkg/logx"
)

// LogGateway writes deliveries to the log instead of a provider. Used when
// no provider is configured (dry runs, local development).
type LogGateway struct {
	log logx.Logger
}

func NewLog(log logx.Logger) *LogGateway {
	return &LogGateway{log: log}
}

func (g *LogGateway) Send(_ context.Context, channel string, msg Message) error {
	if _, _, err := SplitChannel(channel); err != nil {
		return err
	}
	g.log.Info("delivery (log gateway)",
		logx.String("channel", channel),
		logx.String("kind", msg.Kind),
		logx.String("types", strings.Join(msg.Types, ",")),
		logx.String("text", msg.Text))
	return nil
}
