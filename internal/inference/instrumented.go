package inference

import (
	"context"
	"time"

	"prediction-service/internal/models"
	"prediction-service/internal/telemetry"
)

type instrumented struct {
	next Engine
}

// Instrumented wraps an engine and records its latency by outcome.
func Instrumented(next Engine) Engine {
	return &instrumented{next: next}
}

func (i *instrumented) Compute(ctx context.Context, input string) (models.Output, error) {
	start := time.Now()
	out, err := i.next.Compute(ctx, input)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	telemetry.ComputeDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	return out, err
}
