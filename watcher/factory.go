package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// Factory spawns one watcher per listener against a shared EVM client. The
// poll, backoff, and rate settings apply to every watcher it starts unless
// the assignment overrides them.
type Factory struct {
	Client       EVMClient
	Checkpoints  CheckpointStore
	Logger       *slog.Logger
	PollInterval time.Duration
	MaxBackoff   time.Duration
	RPCRate      rate.Limit
}

// ChainHead returns the current chain tip.
func (f *Factory) ChainHead(ctx context.Context) (uint64, error) {
	if f == nil || f.Client == nil {
		return 0, fmt.Errorf("watcher: factory not configured")
	}
	return f.Client.BlockNumber(ctx)
}

// Start launches a watcher goroutine and returns its result channel. A zero
// StartBlock means the listener is fresh, so scanning begins at the current
// chain head rather than from genesis.
func (f *Factory) Start(ctx context.Context, cfg Config) (<-chan Result, error) {
	if f == nil || f.Client == nil {
		return nil, fmt.Errorf("watcher: factory not configured")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = f.PollInterval
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = f.MaxBackoff
	}
	if cfg.RPCRate <= 0 {
		cfg.RPCRate = f.RPCRate
	}
	if cfg.StartBlock == 0 {
		head, err := f.Client.BlockNumber(ctx)
		if err != nil {
			return nil, fmt.Errorf("watcher: resolve chain head: %w", err)
		}
		cfg.StartBlock = head
	}
	w, err := New(cfg, f.Client, f.Checkpoints, f.Logger)
	if err != nil {
		return nil, err
	}
	go w.Run(ctx)
	return w.Results(), nil
}
