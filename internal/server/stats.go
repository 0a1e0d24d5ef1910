package server

import (
	"log/slog"

	"github.com/robfig/cron/v3"
)

// startStatsLogger schedules a periodic log line reporting replication
// offset, connected replica count and the latest load sample, on a
// cron-style schedule instead of a bare time.Ticker so operators can tune
// the interval with standard cron syntax via --stats-cron.
func startStatsLogger(schedule string, logger *slog.Logger, statsFn func() []any) (*cron.Cron, error) {
	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))
	if _, err := c.AddFunc(schedule, func() {
		logger.Info("stats", statsFn()...)
	}); err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}
