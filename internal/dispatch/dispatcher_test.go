package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"prediction-service/internal/inference"
	"prediction-service/internal/models"
	"prediction-service/internal/queue"
	"prediction-service/internal/store"
)

var hashEngine = inference.EngineFunc(func(_ context.Context, input string) (models.Output, error) {
	return models.Output{Input: input, Result: inference.Hash(input)}, nil
})

type fixture struct {
	dispatcher *Dispatcher
	resolver   *Resolver
	store      *store.RedisStore
	queue      *queue.RedisStream
}

func newFixture(t *testing.T, engine inference.Engine) fixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st := store.NewRedisStore(client, "test:", time.Hour)
	q := queue.NewRedisStream(client, "prediction_tasks", "prediction_workers")
	if err := q.EnsureGroup(context.Background()); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	return fixture{
		dispatcher: New(st, q, engine, 10000, nil),
		resolver:   NewResolver(st),
		store:      st,
		queue:      q,
	}
}

type failingQueue struct {
	queue.JobQueue
}

func (failingQueue) Enqueue(context.Context, string) (string, error) {
	return "", errors.New("connection refused")
}

func TestSyncPredict(t *testing.T) {
	f := newFixture(t, hashEngine)
	sub, err := f.dispatcher.Submit(context.Background(), models.PredictionRequest{Input: "abc", Mode: models.ModeSync})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sub.Job != nil || sub.Output == nil {
		t.Fatalf("expected inline output, got %+v", sub)
	}
	if sub.Output.Input != "abc" || sub.Output.Result != inference.Hash("abc") {
		t.Fatalf("unexpected output %+v", sub.Output)
	}
	if depth, _ := f.queue.Depth(context.Background()); depth != 0 {
		t.Fatalf("sync request must not touch the queue, depth=%d", depth)
	}
}

func TestSyncEngineFailureIsComputationError(t *testing.T) {
	engine := inference.EngineFunc(func(context.Context, string) (models.Output, error) {
		return models.Output{}, errors.New("model crashed")
	})
	f := newFixture(t, engine)
	_, err := f.dispatcher.Predict(context.Background(), "abc")
	if models.KindOf(err) != models.KindComputation {
		t.Fatalf("expected computation error, got %v", err)
	}
}

func TestValidation(t *testing.T) {
	f := newFixture(t, hashEngine)
	f.dispatcher.maxInput = 5
	ctx := context.Background()

	for _, mode := range []models.Mode{models.ModeSync, models.ModeAsync} {
		for _, input := range []string{"", "   \n\t", "toolong"} {
			_, err := f.dispatcher.Submit(ctx, models.PredictionRequest{Input: input, Mode: mode})
			if models.KindOf(err) != models.KindValidation {
				t.Fatalf("%s %q: expected validation error, got %v", mode, input, err)
			}
		}
	}
	if depth, _ := f.queue.Depth(ctx); depth != 0 {
		t.Fatalf("invalid requests must not be enqueued, depth=%d", depth)
	}
	if _, err := f.dispatcher.Predict(ctx, "héllo"); err != nil {
		t.Fatalf("length is counted in characters: %v", err)
	}
}

func TestAsyncEnqueueWritesRecordThenEntry(t *testing.T) {
	f := newFixture(t, hashEngine)
	ctx := context.Background()

	sub, err := f.dispatcher.Submit(ctx, models.PredictionRequest{Input: "abc", Mode: models.ModeAsync})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sub.Output != nil || sub.Job == nil {
		t.Fatalf("expected job handle, got %+v", sub)
	}
	if sub.Job.ID == "" || sub.Job.Status != models.StatusQueued {
		t.Fatalf("unexpected handle %+v", sub.Job)
	}

	view, err := f.resolver.Get(ctx, sub.Job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if view.Status != models.StatusQueued || view.Output != nil || view.Error != nil {
		t.Fatalf("unexpected view %+v", view)
	}

	entries, err := f.queue.Read(ctx, "test-consumer", 0)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one entry, got %d err=%v", len(entries), err)
	}
	if entries[0].JobID != sub.Job.ID {
		t.Fatalf("entry references %s, want %s", entries[0].JobID, sub.Job.ID)
	}
}

func TestAsyncIDsAreUnique(t *testing.T) {
	f := newFixture(t, hashEngine)
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		view, err := f.dispatcher.Enqueue(context.Background(), "same input")
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		if seen[view.ID] {
			t.Fatalf("duplicate id %s", view.ID)
		}
		seen[view.ID] = true
	}
}

func TestEnqueueFailureCompensates(t *testing.T) {
	f := newFixture(t, hashEngine)
	f.dispatcher.queue = failingQueue{}
	f.dispatcher.newID = func() string { return "job-fixed" }
	ctx := context.Background()

	_, err := f.dispatcher.Enqueue(ctx, "abc")
	if models.KindOf(err) != models.KindEnqueue {
		t.Fatalf("expected enqueue error, got %v", err)
	}
	if strings.Contains(err.(*models.Error).Message, "connection refused") {
		t.Fatalf("client message leaks internal detail: %q", err.(*models.Error).Message)
	}

	view, err := f.resolver.Get(ctx, "job-fixed")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if view.Status != models.StatusFailed || view.Error == nil || view.Error.Kind != models.KindEnqueue {
		t.Fatalf("expected compensated failed record, got %+v", view)
	}
}

func TestResolverUnknownID(t *testing.T) {
	f := newFixture(t, hashEngine)
	_, err := f.resolver.Get(context.Background(), "never-submitted")
	if models.KindOf(err) != models.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestConcurrentSyncPredictionsAgree(t *testing.T) {
	engine := inference.NewHashEngine(time.Millisecond, 5*time.Millisecond, 0)
	f := newFixture(t, engine)

	const n = 16
	results := make([]models.Output, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.dispatcher.Predict(context.Background(), "same input")
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("call %d: %v", i, errs[i])
		}
		if results[i] != results[0] {
			t.Fatalf("call %d returned %+v, want %+v", i, results[i], results[0])
		}
	}
}
