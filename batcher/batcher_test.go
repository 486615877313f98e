package batcher

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	. "github.com/onsi/gomega"

	"github.com/loiht2/ml-platform-finetune-orchestrator/models"
)

type recordingSink struct {
	mu      sync.Mutex
	calls   map[string][][]models.MetricPoint
	seen    map[string][]time.Time
	failFor int // fail this many calls before succeeding
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		calls: make(map[string][][]models.MetricPoint),
		seen:  make(map[string][]time.Time),
	}
}

func (s *recordingSink) LogMetrics(_ context.Context, jobID string, points []models.MetricPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFor > 0 {
		s.failFor--
		return fmt.Errorf("sink: %w", models.ErrNetwork)
	}
	s.calls[jobID] = append(s.calls[jobID], append([]models.MetricPoint(nil), points...))
	for range points {
		s.seen[jobID] = append(s.seen[jobID], time.Now())
	}
	return nil
}

func (s *recordingSink) steps(jobID string) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int64
	for _, call := range s.calls[jobID] {
		for _, p := range call {
			out = append(out, p.Step)
		}
	}
	return out
}

func (s *recordingSink) callCount(jobID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls[jobID])
}

func point(step int64) models.MetricPoint {
	return models.MetricPoint{Step: step, Metrics: map[string]float64{"loss": float64(step) / 1000}, LoggedAt: time.Now()}
}

func TestSizeTriggerFlushesFullBatch(t *testing.T) {
	g := NewWithT(t)
	sink := newRecordingSink()
	b := New(sink, Options{MaxBatch: 10, FlushInterval: time.Hour})
	defer b.Close(context.Background())

	for i := int64(1); i <= 25; i++ {
		g.Expect(b.Add(context.Background(), "job-a", point(i))).To(Succeed())
	}

	g.Eventually(func() int { return sink.callCount("job-a") }).Should(Equal(2))
	g.Expect(b.Pending("job-a")).To(Equal(5))

	sink.mu.Lock()
	for _, call := range sink.calls["job-a"] {
		g.Expect(call).To(HaveLen(10))
	}
	sink.mu.Unlock()
}

func TestTimeTriggerFlushesPartialBatch(t *testing.T) {
	g := NewWithT(t)
	sink := newRecordingSink()
	b := New(sink, Options{FlushInterval: 50 * time.Millisecond})
	defer b.Close(context.Background())

	g.Expect(b.Add(context.Background(), "job-a", point(1))).To(Succeed())
	g.Expect(b.Add(context.Background(), "job-a", point(2))).To(Succeed())

	g.Eventually(func() []int64 { return sink.steps("job-a") }, time.Second).Should(Equal([]int64{1, 2}))
	g.Expect(sink.callCount("job-a")).To(Equal(1))
	g.Expect(b.Pending("job-a")).To(BeZero())
}

func TestFlushIsSynchronous(t *testing.T) {
	sink := newRecordingSink()
	b := New(sink, Options{FlushInterval: time.Hour})
	defer b.Close(context.Background())

	for i := int64(1); i <= 3; i++ {
		if err := b.Add(context.Background(), "job-a", point(i)); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}
	if err := b.Flush(context.Background(), "job-a"); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if diff := cmp.Diff([]int64{1, 2, 3}, sink.steps("job-a")); diff != "" {
		t.Errorf("flushed steps mismatch (-want +got):\n%s", diff)
	}
}

func TestCloseFlushesEveryJob(t *testing.T) {
	sink := newRecordingSink()
	b := New(sink, Options{FlushInterval: time.Hour})

	for _, job := range []string{"job-a", "job-b", "job-c"} {
		for i := int64(1); i <= 4; i++ {
			if err := b.Add(context.Background(), job, point(i)); err != nil {
				t.Fatalf("Add(%s) error = %v", job, err)
			}
		}
	}
	if err := b.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	for _, job := range []string{"job-a", "job-b", "job-c"} {
		if diff := cmp.Diff([]int64{1, 2, 3, 4}, sink.steps(job)); diff != "" {
			t.Errorf("%s steps mismatch (-want +got):\n%s", job, diff)
		}
	}

	err := b.Add(context.Background(), "job-a", point(5))
	if err != models.ErrBatcherClosed {
		t.Errorf("Add() after Close error = %v, want ErrBatcherClosed", err)
	}
}

func TestRemoveFlushesAndForgetsQueue(t *testing.T) {
	sink := newRecordingSink()
	b := New(sink, Options{FlushInterval: time.Hour})
	defer b.Close(context.Background())

	_ = b.Add(context.Background(), "job-a", point(7))
	if err := b.Remove(context.Background(), "job-a"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if diff := cmp.Diff([]int64{7}, sink.steps("job-a")); diff != "" {
		t.Errorf("steps mismatch (-want +got):\n%s", diff)
	}
	if got := b.Pending("job-a"); got != 0 {
		t.Errorf("Pending() = %d, want 0", got)
	}
	if err := b.Remove(context.Background(), "job-a"); err != nil {
		t.Errorf("second Remove() error = %v", err)
	}
}

func TestFailedBatchIsRetriedWithoutLoss(t *testing.T) {
	g := NewWithT(t)
	sink := newRecordingSink()
	sink.failFor = 2

	var mu sync.Mutex
	var failures int
	b := New(sink, Options{
		MaxBatch:      2,
		FlushInterval: time.Hour,
		RetryInterval: 10 * time.Millisecond,
		OnFlush: func(_ string, _ int, err error) {
			if err != nil {
				mu.Lock()
				failures++
				mu.Unlock()
			}
		},
	})
	defer b.Close(context.Background())

	for i := int64(1); i <= 4; i++ {
		g.Expect(b.Add(context.Background(), "job-a", point(i))).To(Succeed())
	}

	g.Eventually(func() []int64 { return sink.steps("job-a") }, time.Second).Should(Equal([]int64{1, 2, 3, 4}))
	mu.Lock()
	defer mu.Unlock()
	g.Expect(failures).To(Equal(2))
}

func TestQueuedPointsAreCopied(t *testing.T) {
	sink := newRecordingSink()
	b := New(sink, Options{FlushInterval: time.Hour})
	defer b.Close(context.Background())

	p := point(1)
	_ = b.Add(context.Background(), "job-a", p)
	p.Metrics["loss"] = 99

	_ = b.Flush(context.Background(), "job-a")
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if got := sink.calls["job-a"][0][0].Metrics["loss"]; got != 0.001 {
		t.Errorf("flushed loss = %v, want 0.001", got)
	}
}

// Points logged to concurrent jobs must land with their own job, in order, exactly once.
func TestConcurrentJobsAreIsolated(t *testing.T) {
	sink := newRecordingSink()
	b := New(sink, Options{MaxBatch: 7, FlushInterval: 20 * time.Millisecond})

	const jobs = 8
	want := make(map[string][]int64, jobs)
	var wg sync.WaitGroup
	for j := 0; j < jobs; j++ {
		jobID := fmt.Sprintf("job-%d", j)
		n := 20 + rand.Intn(80)
		steps := make([]int64, n)
		for i := range steps {
			steps[i] = int64(j*1000 + i)
		}
		want[jobID] = steps

		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, s := range steps {
				if err := b.Add(context.Background(), jobID, point(s)); err != nil {
					t.Errorf("Add(%s) error = %v", jobID, err)
					return
				}
				if rand.Intn(10) == 0 {
					time.Sleep(time.Millisecond)
				}
			}
		}()
	}
	wg.Wait()
	if err := b.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	for jobID, steps := range want {
		if diff := cmp.Diff(steps, sink.steps(jobID)); diff != "" {
			t.Errorf("%s steps mismatch (-want +got):\n%s", jobID, diff)
		}
	}
}

// With the interval scaled down, every point must reach the sink within the flush
// interval plus a margin for the sender.
func TestDeliveryLatencyIsBounded(t *testing.T) {
	g := NewWithT(t)
	sink := newRecordingSink()
	interval := 40 * time.Millisecond
	b := New(sink, Options{MaxBatch: 100, FlushInterval: interval})
	defer b.Close(context.Background())

	var logged []time.Time
	for i := int64(0); i < 30; i++ {
		logged = append(logged, time.Now())
		g.Expect(b.Add(context.Background(), "job-a", point(i))).To(Succeed())
		time.Sleep(time.Duration(rand.Intn(15)) * time.Millisecond)
	}

	g.Eventually(func() int { return len(sink.steps("job-a")) }, time.Second).Should(Equal(30))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	bound := interval + 200*time.Millisecond
	for i, at := range sink.seen["job-a"] {
		if lag := at.Sub(logged[i]); lag > bound {
			t.Errorf("point %d delivered after %v, want <= %v", i, lag, bound)
		}
	}
}
