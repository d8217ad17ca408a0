package recovery

import (
	"github.com/BaSui01/memengine/config"
	"github.com/BaSui01/memengine/internal/circuitbreaker"
	"github.com/BaSui01/memengine/internal/retry"
)

// Component names used by the engine.
const (
	ComponentEmbedding = "embedding"
	ComponentIndex     = "index"
	ComponentStore     = "store"
	ComponentEvaluator = "evaluator"
)

// PolicyFromConfig builds the default component policy from configuration.
func PolicyFromConfig(cfg config.RecoveryConfig) Policy {
	return Policy{
		Breaker: &circuitbreaker.Config{
			Threshold:         cfg.FailureThreshold,
			Window:            cfg.FailureWindow,
			ResetTimeout:      cfg.OpenTimeout,
			MaxResetTimeout:   cfg.MaxOpenTimeout,
			BackoffMultiplier: cfg.BackoffMultiplier,
			HalfOpenMaxCalls:  1,
		},
		Retry: &retry.Policy{
			MaxRetries:   cfg.MaxRetries,
			InitialDelay: cfg.RetryInitialDelay,
			MaxDelay:     cfg.RetryMaxDelay,
			Multiplier:   2.0,
			Jitter:       true,
		},
	}
}
