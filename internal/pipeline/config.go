package pipeline

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrBackpressure is returned by Push when a feed stayed full until the
	// caller's deadline.
	ErrBackpressure = errors.New("pipeline: backpressure")
	// ErrClosed is returned once the coordinator is shutting down.
	ErrClosed = errors.New("pipeline: coordinator closed")
	// ErrFeedClosed is returned by Push on a closed feed.
	ErrFeedClosed = errors.New("pipeline: feed closed")
)

// Config holds coordinator tuning.
type Config struct {
	FeedBuffer      int           `yaml:"feed_buffer"`
	ReorderCapacity int           `yaml:"reorder_capacity"`
	StallGrace      time.Duration `yaml:"stall_grace"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	PushTimeout     time.Duration `yaml:"push_timeout"` // used by transports that push on behalf of clients
	Retention       time.Duration `yaml:"retention"`
}

// DefaultConfig returns the default coordinator settings.
func DefaultConfig() Config {
	return Config{
		FeedBuffer:      1024,
		ReorderCapacity: 10000,
		StallGrace:      2 * time.Second,
		FlushInterval:   5 * time.Second,
		PushTimeout:     2 * time.Second,
		Retention:       7 * 24 * time.Hour,
	}
}

// Validate checks the settings are usable.
func (c Config) Validate() error {
	if c.FeedBuffer < 1 {
		return fmt.Errorf("pipeline: feed_buffer must be positive, got %d", c.FeedBuffer)
	}
	if c.ReorderCapacity < 1 {
		return fmt.Errorf("pipeline: reorder_capacity must be positive, got %d", c.ReorderCapacity)
	}
	if c.StallGrace <= 0 {
		return errors.New("pipeline: stall_grace must be positive")
	}
	if c.FlushInterval <= 0 {
		return errors.New("pipeline: flush_interval must be positive")
	}
	if c.Retention < 0 {
		return errors.New("pipeline: retention must not be negative")
	}
	return nil
}

func (c Config) tickInterval() time.Duration {
	d := c.StallGrace / 4
	switch {
	case d < 10*time.Millisecond:
		return 10 * time.Millisecond
	case d > time.Second:
		return time.Second
	}
	return d
}
