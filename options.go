package fes

import (
	"go.uber.org/zap"

	"github.com/mickamy/fes/scheduler"
)

// Option configures an Orchestrator, matching the functional-options
// idiom used throughout this library's stores.
type Option[Blob any] func(*config[Blob])

type config[Blob any] struct {
	logger           *zap.Logger
	scheduler        scheduler.Scheduler
	windowSize       int
	spacing          int
	perSourceCaching bool
	hotCacheSize     int
	subscription     Filter
}

func defaultConfig[Blob any]() config[Blob] {
	return config[Blob]{
		logger:    zap.NewNop(),
		scheduler: scheduler.NullScheduler{},
	}
}

// WithLogger sets the logger used for anomaly and lifecycle reporting.
func WithLogger[Blob any](logger *zap.Logger) Option[Blob] {
	return func(c *config[Blob]) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithScheduler sets the snapshot scheduling policy. Defaults to
// scheduler.NullScheduler{} (local snapshots disabled).
func WithScheduler[Blob any](sched scheduler.Scheduler) Option[Blob] {
	return func(c *config[Blob]) { c.scheduler = sched }
}

// WithBufferConfig overrides the state pointer table's recent-window
// size and spacing (defaults: 32, 8).
func WithBufferConfig[Blob any](windowSize, spacing int) Option[Blob] {
	return func(c *config[Blob]) {
		c.windowSize = windowSize
		c.spacing = spacing
	}
}

// WithPerSourceCaching enables the one-pointer-per-distinct-source
// caching strategy in the state pointer table.
func WithPerSourceCaching[Blob any](enabled bool) Option[Blob] {
	return func(c *config[Blob]) { c.perSourceCaching = enabled }
}

// WithHotCacheSize overrides the ephemeral state pointer cache's bound.
func WithHotCacheSize[Blob any](size int) Option[Blob] {
	return func(c *config[Blob]) { c.hotCacheSize = size }
}

// WithSubscription restricts hydration and live processing to events
// matching filter. A nil filter (the default) admits every event.
func WithSubscription[Blob any](filter Filter) Option[Blob] {
	return func(c *config[Blob]) { c.subscription = filter }
}
