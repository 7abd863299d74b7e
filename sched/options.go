package sched

import "github.com/cascadatpl/cascada-core/internal/logging"

// engineOptions holds configuration applied at Engine construction.
type engineOptions struct {
	strictMicrotaskOrdering bool
	logger                  *logging.Logger
}

// Option configures an Engine instance.
type Option interface {
	apply(*engineOptions) error
}

type optionFunc func(*engineOptions) error

func (f optionFunc) apply(o *engineOptions) error { return f(o) }

// WithStrictMicrotaskOrdering records the strict-microtask-ordering flag on
// the Engine's options. The Engine does not read the flag: with or without
// it, the microtask queue is drained to empty after every task execution.
func WithStrictMicrotaskOrdering(enabled bool) Option {
	return optionFunc(func(o *engineOptions) error {
		o.strictMicrotaskOrdering = enabled
		return nil
	})
}

// WithLogger overrides the logger this Engine uses; when omitted, the
// Engine logs through logging.Default().
func WithLogger(l *logging.Logger) Option {
	return optionFunc(func(o *engineOptions) error {
		o.logger = l
		return nil
	})
}

func resolveOptions(opts []Option) (*engineOptions, error) {
	cfg := &engineOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.logger == nil {
		cfg.logger = logging.Default()
	}
	return cfg, nil
}
