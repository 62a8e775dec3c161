package inference

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"math/rand"
	"strconv"
	"time"

	"prediction-service/internal/models"
)

// Engine computes a prediction for an input. Implementations must be safe for concurrent use.
type Engine interface {
	Compute(ctx context.Context, input string) (models.Output, error)
}

// EngineFunc adapts a function to the Engine interface.
type EngineFunc func(ctx context.Context, input string) (models.Output, error)

func (f EngineFunc) Compute(ctx context.Context, input string) (models.Output, error) {
	return f(ctx, input)
}

// ErrSimulatedFailure is returned when the engine's configured failure rate triggers.
var ErrSimulatedFailure = errors.New("model prediction failed due to internal error")

const (
	resultMin = 1000
	resultMax = 20000
)

// HashEngine is the placeholder model: the result is derived from a SHA-256 of the input
// and the latency is simulated with a delay also derived from the digest.
type HashEngine struct {
	minDelay    time.Duration
	maxDelay    time.Duration
	failureRate float64
}

// NewHashEngine builds an engine whose delay lies in [minDelay, maxDelay].
func NewHashEngine(minDelay, maxDelay time.Duration, failureRate float64) *HashEngine {
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return &HashEngine{minDelay: minDelay, maxDelay: maxDelay, failureRate: failureRate}
}

// Compute sleeps for the simulated latency and returns the deterministic result.
func (e *HashEngine) Compute(ctx context.Context, input string) (models.Output, error) {
	sum := sha256.Sum256([]byte(input))

	if d := e.delay(sum); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return models.Output{}, ctx.Err()
		case <-timer.C:
		}
	}

	if e.failureRate > 0 && rand.Float64() < e.failureRate {
		return models.Output{}, ErrSimulatedFailure
	}
	return models.Output{Input: input, Result: Hash(input)}, nil
}

func (e *HashEngine) delay(sum [32]byte) time.Duration {
	span := e.maxDelay - e.minDelay
	if span <= 0 {
		return e.minDelay
	}
	n := binary.BigEndian.Uint64(sum[8:16])
	return e.minDelay + time.Duration(n%uint64(span+1))
}

// Hash returns the deterministic result for input.
func Hash(input string) string {
	sum := sha256.Sum256([]byte(input))
	n := binary.BigEndian.Uint64(sum[:8]) % (resultMax - resultMin + 1)
	return strconv.FormatUint(n+resultMin, 10)
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
