package metrics

import (
	"go.uber.org/zap"
)

// Reporter is the analytics sink for unexpected failures: it logs them and
// counts them. It never blocks and never fails.
type Reporter struct {
	metrics *Metrics
	logger  *zap.Logger
}

// NewReporter creates a Reporter. m may be nil, in which case failures are
// only logged.
func NewReporter(m *Metrics, logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{metrics: m, logger: logger.Named("analytics")}
}

// UnexpectedException records err. corrupted marks failures that left
// on-disk state unreadable.
func (r *Reporter) UnexpectedException(err error, corrupted bool) {
	kind := "unexpected"
	if corrupted {
		kind = "corrupted_state"
	}

	r.logger.Error("unexpected exception",
		zap.String("kind", kind),
		zap.Error(err),
	)

	if r.metrics != nil {
		r.metrics.UnexpectedErrorsTotal.WithLabelValues(kind).Inc()
	}
}
