package circuit

import (
	"context"
	"errors"
	"testing"
	"time"

	coorderr "github.com/pipecoord/pipecoord/pkg/errors"
)

var errRemote = errors.New("remote store down")

func failing(context.Context) error { return errRemote }
func succeeding(context.Context) error { return nil }

func newTestBreaker(threshold int, openTimeout time.Duration) *Breaker {
	return NewBreaker("test", Config{
		FailureThreshold: threshold,
		OpenTimeout:      openTimeout,
	}, nil)
}

func TestBreakerTripsAtThreshold(t *testing.T) {
	t.Parallel()

	b := newTestBreaker(3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := b.Execute(ctx, failing); !errors.Is(err, errRemote) {
			t.Fatalf("failure %d: err = %v", i+1, err)
		}
		if b.GetState() != StateClosed {
			t.Fatalf("breaker opened after %d failures", i+1)
		}
	}

	if err := b.Execute(ctx, failing); !errors.Is(err, errRemote) {
		t.Fatalf("third failure: err = %v", err)
	}
	if b.GetState() != StateOpen {
		t.Errorf("state = %v, want OPEN after threshold failures", b.GetState())
	}
}

func TestBreakerIgnoresLookupErrors(t *testing.T) {
	t.Parallel()

	b := newTestBreaker(1, time.Minute)
	ctx := context.Background()

	notFound := func(context.Context) error {
		return coorderr.NewError(coorderr.ErrCodeNotFound, "key not found")
	}
	for i := 0; i < 3; i++ {
		if err := b.Execute(ctx, notFound); !coorderr.IsNotFound(err) {
			t.Fatalf("err = %v, want NOT_FOUND", err)
		}
	}

	// Misses come back from a healthy store and must not trip the breaker.
	if b.GetState() != StateClosed {
		t.Errorf("state = %v, want CLOSED after lookup errors", b.GetState())
	}
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	t.Parallel()

	b := newTestBreaker(3, time.Minute)
	ctx := context.Background()

	_ = b.Execute(ctx, failing)
	_ = b.Execute(ctx, failing)
	_ = b.Execute(ctx, succeeding)
	_ = b.Execute(ctx, failing)
	_ = b.Execute(ctx, failing)

	// Failures are counted consecutively, so a success in between keeps
	// the breaker closed.
	if b.GetState() != StateClosed {
		t.Errorf("state = %v, want CLOSED", b.GetState())
	}
}

func TestBreakerOpenShortCircuits(t *testing.T) {
	t.Parallel()

	b := newTestBreaker(1, time.Minute)
	ctx := context.Background()

	_ = b.Execute(ctx, failing)
	if b.GetState() != StateOpen {
		t.Fatalf("state = %v, want OPEN", b.GetState())
	}

	called := false
	err := b.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	if !coorderr.IsCircuitOpen(err) {
		t.Errorf("err = %v, want CIRCUIT_OPEN", err)
	}
	if called {
		t.Error("fn invoked while the breaker was open")
	}
}

func TestBreakerProbeRecovery(t *testing.T) {
	t.Parallel()

	b := newTestBreaker(1, 20*time.Millisecond)
	ctx := context.Background()

	_ = b.Execute(ctx, failing)
	if b.GetState() != StateOpen {
		t.Fatalf("state = %v, want OPEN", b.GetState())
	}

	time.Sleep(30 * time.Millisecond)
	if b.GetState() != StateHalfOpen {
		t.Fatalf("state = %v, want HALF_OPEN after cool-down", b.GetState())
	}

	if err := b.Execute(ctx, succeeding); err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if b.GetState() != StateClosed {
		t.Errorf("state = %v, want CLOSED after successful probe", b.GetState())
	}
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	t.Parallel()

	b := newTestBreaker(1, 20*time.Millisecond)
	ctx := context.Background()

	_ = b.Execute(ctx, failing)
	time.Sleep(30 * time.Millisecond)

	if err := b.Execute(ctx, failing); !errors.Is(err, errRemote) {
		t.Fatalf("probe: err = %v", err)
	}
	if b.GetState() != StateOpen {
		t.Errorf("state = %v, want OPEN after failed probe", b.GetState())
	}

	// Cool-down restarts; the very next call is rejected.
	err := b.Execute(ctx, succeeding)
	if !coorderr.IsCircuitOpen(err) {
		t.Errorf("err = %v, want CIRCUIT_OPEN right after failed probe", err)
	}
}

func TestBreakerSingleProbe(t *testing.T) {
	t.Parallel()

	b := newTestBreaker(1, 10*time.Millisecond)
	ctx := context.Background()

	_ = b.Execute(ctx, failing)
	time.Sleep(20 * time.Millisecond)

	probeStarted := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = b.Execute(ctx, func(context.Context) error {
			close(probeStarted)
			<-release
			return nil
		})
	}()

	<-probeStarted
	// A second call while the probe is in flight must be rejected.
	err := b.Execute(ctx, succeeding)
	if !coorderr.IsCircuitOpen(err) {
		t.Errorf("concurrent call: err = %v, want CIRCUIT_OPEN", err)
	}
	close(release)
}

func TestBreakerReset(t *testing.T) {
	t.Parallel()

	b := newTestBreaker(1, time.Minute)
	ctx := context.Background()

	_ = b.Execute(ctx, failing)
	if b.GetState() != StateOpen {
		t.Fatalf("state = %v, want OPEN", b.GetState())
	}

	b.Reset()
	if b.GetState() != StateClosed {
		t.Errorf("state = %v, want CLOSED after reset", b.GetState())
	}
	if counts := b.GetCounts(); counts.Requests != 0 {
		t.Errorf("counts not cleared: %+v", counts)
	}
}

func TestBreakerStateChangeCallback(t *testing.T) {
	t.Parallel()

	var transitions []string
	b := NewBreaker("cb", Config{
		FailureThreshold: 1,
		OpenTimeout:      time.Minute,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	}, nil)

	_ = b.Execute(context.Background(), failing)

	if len(transitions) != 1 || transitions[0] != "CLOSED->OPEN" {
		t.Errorf("transitions = %v", transitions)
	}
}

func TestManagerStates(t *testing.T) {
	t.Parallel()

	m := NewManager(Config{FailureThreshold: 1, OpenTimeout: time.Minute}, nil)
	ctx := context.Background()

	_ = m.GetBreaker(ClassWrite).Execute(ctx, failing)

	states := m.States()
	if states[ClassWrite] != "OPEN" {
		t.Errorf("write state = %q, want OPEN", states[ClassWrite])
	}
	if states[ClassRead] != "CLOSED" {
		t.Errorf("read state = %q, want CLOSED", states[ClassRead])
	}
	if states[ClassStream] != "CLOSED" {
		t.Errorf("stream state = %q, want CLOSED", states[ClassStream])
	}

	m.ResetAll()
	if m.States()[ClassWrite] != "CLOSED" {
		t.Error("ResetAll did not close the write breaker")
	}
}

func TestManagerSameBreakerPerClass(t *testing.T) {
	t.Parallel()

	m := NewManager(Config{FailureThreshold: 5, OpenTimeout: time.Minute}, nil)
	if m.GetBreaker(ClassRead) != m.GetBreaker(ClassRead) {
		t.Error("GetBreaker returned different instances for the same class")
	}
	if m.GetBreaker(ClassRead) == m.GetBreaker(ClassWrite) {
		t.Error("read and write classes share a breaker")
	}
}
