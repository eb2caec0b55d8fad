package monitor

import (
	"context"

	"github.com/rewired-gh/tickwatch/internal/logger"
)

// LogNotifier writes notifications to the log. Used when no chat sink is configured.
type LogNotifier struct {
	log *logger.Logger
}

func NewLogNotifier(log *logger.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(_ context.Context, destinationID int64, text string) error {
	n.log.Info("[notify %d] %s", destinationID, text)
	return nil
}
