package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func fixed(s Status) Checker {
	return func(context.Context) Status { return s }
}

func TestRegistry_Aggregate(t *testing.T) {
	tests := []struct {
		name     string
		checkers map[string]Checker
		order    []string
		want     bool
	}{
		{"empty", nil, nil, true},
		{"all healthy", map[string]Checker{
			"postgres": fixed(Status{Name: "postgres", Healthy: true}),
			"chain":    fixed(Status{Name: "chain", Healthy: true, Detail: "head 9"}),
		}, []string{"postgres", "chain"}, true},
		{"one down", map[string]Checker{
			"postgres": fixed(Status{Name: "postgres", Healthy: true}),
			"court":    fixed(Status{Name: "court", Detail: "connection refused"}),
		}, []string{"postgres", "court"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			for _, n := range tt.order {
				r.Register(n, tt.checkers[n])
			}
			healthy, statuses := r.CheckAll(context.Background())
			if healthy != tt.want {
				t.Fatalf("healthy = %v, want %v (%+v)", healthy, tt.want, statuses)
			}
			if len(statuses) != len(tt.order) {
				t.Fatalf("got %d statuses, want %d", len(statuses), len(tt.order))
			}
			for i, n := range tt.order {
				if statuses[i].Name != n {
					t.Errorf("statuses[%d].Name = %q, want %q", i, statuses[i].Name, n)
				}
			}
		})
	}
}

func TestRegistry_SlowCheckerKeepsOrderAndName(t *testing.T) {
	r := NewRegistry()
	r.Register("sweep", func(context.Context) Status {
		time.Sleep(20 * time.Millisecond)
		return Status{Healthy: true}
	})
	r.Register("rulings", fixed(Status{Healthy: true}))

	_, statuses := r.CheckAll(context.Background())
	if statuses[0].Name != "sweep" || statuses[1].Name != "rulings" {
		t.Fatalf("want registration order with names filled, got %+v", statuses)
	}
}

func TestRegistry_TimeoutAndPanic(t *testing.T) {
	r := NewRegistry().WithTimeout(10 * time.Millisecond)
	r.Register("rpc", func(ctx context.Context) Status {
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		return Status{Healthy: true}
	})
	r.Register("broken", func(context.Context) Status { panic("nil backend") })

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("want unhealthy")
	}
	if statuses[0].Detail != "timed out" {
		t.Errorf("rpc detail = %q, want timed out", statuses[0].Detail)
	}
	if statuses[1].Name != "broken" || statuses[1].Healthy {
		t.Errorf("broken status = %+v", statuses[1])
	}
}

func TestRegistry_ConcurrentUse(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("worker", fixed(Status{Healthy: true}))
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()
}

type head struct {
	n   uint64
	err error
}

func (h head) BlockNumber(context.Context) (uint64, error) { return h.n, h.err }

func TestChain(t *testing.T) {
	if s := Chain("chain", head{n: 42})(context.Background()); !s.Healthy || s.Detail != "head 42" {
		t.Errorf("healthy head: got %+v", s)
	}
	if s := Chain("chain", head{err: errors.New("dial tcp: connection refused")})(context.Background()); s.Healthy {
		t.Errorf("failing rpc: got %+v", s)
	}
}

func TestWorker(t *testing.T) {
	running := true
	var last time.Time
	check := Worker("sweep", func() bool { return running }, func() time.Time { return last }, time.Minute)

	steps := []struct {
		desc    string
		running bool
		last    time.Time
		healthy bool
	}{
		{"before first run", true, time.Time{}, true},
		{"ran recently", true, time.Now().Add(-10 * time.Second), true},
		{"stale", true, time.Now().Add(-time.Hour), false},
		{"stopped", false, time.Now(), false},
	}
	for _, s := range steps {
		running, last = s.running, s.last
		if got := check(context.Background()); got.Healthy != s.healthy {
			t.Errorf("%s: healthy = %v, want %v (%+v)", s.desc, got.Healthy, s.healthy, got)
		}
	}
}
