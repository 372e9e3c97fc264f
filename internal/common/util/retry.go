package util

import (
	"github.com/ngageoint/scale/internal/common/logging"
	"github.com/ngageoint/scale/internal/common/scalecontext"
)

// RetryUntilSuccess calls connect until it returns nil or ctx is done. The scheduler uses it at startup to wait
// for the database and the message broker. Every failure is logged with the dependency name and attempt number,
// then wait is called with that attempt so the caller can back off. Returns false if ctx ended first.
func RetryUntilSuccess(ctx *scalecontext.Context, dependency string, connect func() error, wait func(attempt int)) bool {
	log := ctx.Log.WithField("dependency", dependency)
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		err := connect()
		if err == nil {
			if attempt > 1 {
				log.Infof("%s available after %d attempts", dependency, attempt)
			}
			return true
		}
		logging.WithStacktrace(log, err).WithField("attempt", attempt).Warnf("%s unavailable, retrying", dependency)
		wait(attempt)
	}
}
