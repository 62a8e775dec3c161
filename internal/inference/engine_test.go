package inference

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"
)

func TestHashEngineDeterministic(t *testing.T) {
	e := NewHashEngine(0, 0, 0)
	a, err := e.Compute(context.Background(), "abc")
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	b, _ := e.Compute(context.Background(), "abc")
	if a != b {
		t.Fatalf("expected identical outputs, got %+v and %+v", a, b)
	}
	if a.Input != "abc" || a.Result != Hash("abc") {
		t.Fatalf("unexpected output %+v", a)
	}
	n, err := strconv.Atoi(a.Result)
	if err != nil || n < resultMin || n > resultMax {
		t.Fatalf("result %q outside %d..%d", a.Result, resultMin, resultMax)
	}
}

func TestHashEngineDelayWithinBounds(t *testing.T) {
	e := NewHashEngine(20*time.Millisecond, 40*time.Millisecond, 0)
	start := time.Now()
	if _, err := e.Compute(context.Background(), "latency"); err != nil {
		t.Fatalf("compute: %v", err)
	}
	if took := time.Since(start); took < 20*time.Millisecond {
		t.Fatalf("expected at least the minimum delay, took %s", took)
	}
}

func TestHashEngineHonoursCancellation(t *testing.T) {
	e := NewHashEngine(time.Minute, time.Minute, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := e.Compute(ctx, "slow"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestHashEngineFailureRate(t *testing.T) {
	e := NewHashEngine(0, 0, 1)
	if _, err := e.Compute(context.Background(), "x"); !errors.Is(err, ErrSimulatedFailure) {
		t.Fatalf("expected simulated failure, got %v", err)
	}
}

func TestHashEngineConcurrentCalls(t *testing.T) {
	e := Instrumented(NewHashEngine(time.Millisecond, 2*time.Millisecond, 0))
	want := Hash("same input")

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := e.Compute(context.Background(), "same input")
			if err != nil {
				errs <- err
				return
			}
			if out.Result != want {
				errs <- fmt.Errorf("got %s want %s", out.Result, want)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

func TestPermanent(t *testing.T) {
	base := errors.New("bad input for model")
	err := fmt.Errorf("compute: %w", Permanent(base))
	if !IsPermanent(err) {
		t.Fatalf("expected permanent")
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped cause to be preserved")
	}
	if IsPermanent(base) {
		t.Fatalf("plain error must not be permanent")
	}
	if Permanent(nil) != nil {
		t.Fatalf("Permanent(nil) should be nil")
	}
}
