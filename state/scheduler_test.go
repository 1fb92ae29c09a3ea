package state

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testEnv(ctx context.Context, cancel context.CancelFunc, dispatchChan chan func(*State) error) *Env {
	return &Env{
		DispatchChannel: dispatchChan,
		Context:         ctx,
		Cancel: func(err error) {
			cancel()
		},
	}
}

func TestDispatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatchChan := make(chan func(*State) error, 10)
	env := testEnv(ctx, cancel, dispatchChan)
	state := &State{
		Env: env,
	}

	var called atomic.Bool

	go func() {
		select {
		case f := <-dispatchChan:
			if err := f(state); err != nil {
				t.Errorf("Dispatch error: %v", err)
			}
		case <-time.After(100 * time.Millisecond):
			t.Error("Timed out waiting for dispatched function")
		}
	}()

	env.Dispatch(func(s *State) error {
		called.Store(true)
		return nil
	})

	time.Sleep(150 * time.Millisecond)

	if !called.Load() {
		t.Fatal("Dispatch function was not executed")
	}
}

func TestDispatchWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatchChan := make(chan func(*State) error, 10)
	env := testEnv(ctx, cancel, dispatchChan)
	state := &State{Env: env}

	go func() {
		f := <-dispatchChan
		_ = f(state)
	}()

	res, err := env.DispatchWait(func(s *State) (any, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("DispatchWait error: %v", err)
	}
	if res.(int) != 42 {
		t.Fatalf("Expected 42, got %v", res)
	}
}

func TestDispatchAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	// unbuffered and never read, dispatch must not block once cancelled
	env := testEnv(ctx, cancel, make(chan func(*State) error))
	cancel()
	env.Dispatch(func(s *State) error { return nil })
}

func TestScheduleTask(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatchChan := make(chan func(*State) error, 10)
	env := testEnv(ctx, cancel, dispatchChan)
	state := &State{
		Env: env,
	}

	var taskCalled bool

	env.ScheduleTask(func(s *State) error {
		taskCalled = true
		return nil
	}, 50*time.Millisecond)

	// Wait enough time for the scheduled task to be dispatched.
	time.Sleep(100 * time.Millisecond)
	select {
	case f := <-dispatchChan:
		if err := f(state); err != nil {
			t.Errorf("Scheduled task error: %v", err)
		}
	default:
		t.Fatal("No task was scheduled")
	}

	if !taskCalled {
		t.Fatal("Scheduled task was not executed")
	}
}

func TestRepeatTask(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatchChan := make(chan func(*State) error, 10)
	env := testEnv(ctx, cancel, dispatchChan)
	state := &State{
		Env: env,
	}

	var wg sync.WaitGroup
	wg.Add(3)
	var count int

	env.RepeatTask(func(s *State) error {
		count++
		wg.Done()
		if count >= 3 {
			cancel()
		}
		return nil
	}, 50*time.Millisecond)

	// Process the repeat tasks until context is cancelled.
loop:
	for {
		select {
		case f := <-dispatchChan:
			err := f(state)
			if err != nil {
				t.Fatalf("RepeatTask error: %v", err)
			}
		case <-ctx.Done():
			break loop
		case <-time.After(500 * time.Millisecond):
			t.Fatal("Timed out waiting for RepeatTask to execute")
		}
	}
	wg.Wait()
	if count != 3 {
		t.Fatalf("Expected 3 executions, got %d", count)
	}
}
