package policy

import (
	"context"
	"errors"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/raaihank/pii-gateway/internal/config"
	"github.com/raaihank/pii-gateway/internal/logger"
	"github.com/raaihank/pii-gateway/internal/metrics"
)

// Resolver implements Lookup on top of a Store. Its switches are held
// atomically so configuration reloads apply without locking requests.
type Resolver struct {
	store           Store
	logger          *logger.Logger
	metrics         *metrics.Metrics
	enabled         atomic.Bool
	anonymizeOnFail atomic.Bool
}

// NewResolver creates a resolver configured from cfg
func NewResolver(store Store, cfg config.PrivacyConfig, log *logger.Logger, m *metrics.Metrics) *Resolver {
	r := &Resolver{
		store:   store,
		logger:  log.WithComponent("policy"),
		metrics: m,
	}
	r.Apply(cfg)
	return r
}

// Apply swaps the global switch and the fail mode
func (r *Resolver) Apply(cfg config.PrivacyConfig) {
	r.enabled.Store(cfg.Enabled)
	r.anonymizeOnFail.Store(cfg.FailMode == config.FailModeAnonymize)
}

// FailMode reports the mode applied when the store fails
func (r *Resolver) FailMode() string {
	if r.anonymizeOnFail.Load() {
		return config.FailModeAnonymize
	}
	return config.FailModeSkip
}

// ShouldAnonymize returns the enabled flag of the model policy, else of the
// provider's "*" policy, else false. A store failure is answered by the fail
// mode, which skips anonymization unless configured otherwise.
func (r *Resolver) ShouldAnonymize(ctx context.Context, provider, model string) bool {
	if !r.enabled.Load() {
		return false
	}

	p, err := r.store.Resolve(ctx, provider, model)
	if err == nil {
		return p.Enabled
	}
	if errors.Is(err, ErrNotFound) {
		return false
	}

	decision := r.anonymizeOnFail.Load()
	r.metrics.IncrementPolicyLookupFailures()
	r.logger.FromContext(ctx).Warn("Policy lookup failed, applying fail mode",
		zap.Error(err),
		zap.String("provider", provider),
		zap.String("model", model),
		zap.String("fail_mode", r.FailMode()),
		zap.Bool("anonymize", decision))
	return decision
}
