package scheduler

import (
	"github.com/ngageoint/scale/internal/common/util"
	"github.com/ngageoint/scale/internal/scheduler/cleanup"
	"github.com/ngageoint/scale/internal/scheduler/configuration"
	"github.com/ngageoint/scale/internal/scheduler/ingestor"
	"github.com/ngageoint/scale/internal/scheduler/launcher"
	"github.com/ngageoint/scale/internal/scheduler/matching"
	"github.com/ngageoint/scale/internal/scheduler/messaging"
	"github.com/ngageoint/scale/internal/scheduler/queue"
	"github.com/ngageoint/scale/internal/scheduler/resources"
)

func queueConfig(c configuration.SchedulingConfig) (queue.Config, error) {
	mode, err := c.Mode()
	if err != nil {
		return queue.Config{}, err
	}
	return queue.Config{
		AgeInterval: c.AgeInterval,
		MinPriority: c.MinPriority,
		Mode:        mode,
	}, nil
}

func matcherConfig(c configuration.SchedulingConfig) matching.Config {
	return matching.Config{
		MaxBindingsPerPass: c.MaxBindingsPerPass,
		MaxTasksPerNode:    c.MaxTasksPerNode,
		StickyTTL:          c.StickyTTL,
		BlockAfterScans:    c.BlockAfterScans,
		PassFloor:          c.PassFloor,
		SlowPassLog:        c.SlowPassLog,
	}
}

func launcherConfig(c configuration.LauncherConfig) launcher.Config {
	return launcher.Config{
		LaunchAckTimeout: c.LaunchAckTimeout,
		MaxLaunchRetries: c.MaxLaunchRetries,
		DefaultTimeouts:  c.DefaultTimeouts,
		MonitorInterval:  c.MonitorInterval,
		DispatchBuffer:   c.DispatchBuffer,
	}
}

func ingestorConfig(c configuration.IngestorConfig) ingestor.Config {
	return ingestor.Config{
		FlushInterval: c.FlushInterval,
		MaxBatch:      c.MaxBatch,
		SlowFlush:     c.SlowFlush,
		DedupWindow:   c.DedupWindow,
		WriteAttempts: c.WriteAttempts,
		WriteDelay:    c.WriteDelay,
	}
}

func cleanupConfig(c configuration.CleanupConfig) cleanup.Config {
	config := cleanup.DefaultConfig()
	if len(c.Resources) > 0 {
		config.Resources = resources.FromQuantities(c.Resources)
	}
	config.MaxFailures = c.MaxFailures
	if c.BaseBackoff > 0 {
		config.BaseBackoff = c.BaseBackoff
	}
	if c.MaxBackoff > 0 {
		config.MaxBackoff = c.MaxBackoff
	}
	if c.TaskTimeout > 0 {
		config.TaskTimeout = c.TaskTimeout
	}
	return config
}

func busConfig(c configuration.MessagingConfig) messaging.BusConfig {
	return messaging.BusConfig{
		Workers:      c.NumHandlers,
		ReceiveBatch: c.ReceiveBatch,
		MaxAttempts:  c.MaxAttempts,
		Backoff: util.Backoff{
			Base:   c.BackoffBase,
			Max:    c.BackoffMax,
			Jitter: c.BackoffJitter,
		},
		PollInterval:   c.PollInterval,
		OutboxInterval: c.OutboxInterval,
	}
}
