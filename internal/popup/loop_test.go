package popup_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/hanko-field/popups/internal/popup"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestLoopRunsTasksInOrder(t *testing.T) {
	loop := popup.NewLoop()
	defer loop.Close()

	var order []int
	for i := 0; i < 5; i++ {
		i := i
		if err := loop.Submit(func() { order = append(order, i) }); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	var got []int
	if err := loop.Do(context.Background(), func() { got = append(got, order...) }); err != nil {
		t.Fatalf("do: %v", err)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("expected ordered execution, got %v", got)
		}
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 tasks, got %v", got)
	}
}

func TestLoopAfterFuncAndStop(t *testing.T) {
	loop := popup.NewLoop()
	defer loop.Close()

	fired := make(chan struct{})
	var cancelled atomic.Bool
	var stop popup.Timer
	if err := loop.Do(context.Background(), func() {
		stop = loop.AfterFunc(time.Hour, func() { cancelled.Store(true) })
		loop.AfterFunc(5*time.Millisecond, func() { close(fired) })
	}); err != nil {
		t.Fatalf("do: %v", err)
	}

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatalf("timer did not fire")
	}
	if !stop.Stop() {
		t.Fatalf("expected pending timer to stop")
	}
	if stop.Stop() {
		t.Fatalf("second stop must report false")
	}
	if cancelled.Load() {
		t.Fatalf("stopped timer ran")
	}
	if n := loop.Pending(); n != 0 {
		t.Fatalf("expected no pending work, got %d", n)
	}
}

func TestLoopRecoversPanics(t *testing.T) {
	var recovered atomic.Int32
	loop := popup.NewLoop(popup.WithPanicHandler(func(any) { recovered.Add(1) }))
	defer loop.Close()

	if err := loop.Do(context.Background(), func() { panic("boom") }); err == nil {
		t.Fatalf("expected panic to surface as error")
	}
	if err := loop.Do(context.Background(), func() {}); err != nil {
		t.Fatalf("loop must survive a panic: %v", err)
	}
	if recovered.Load() != 1 {
		t.Fatalf("expected panic handler once, got %d", recovered.Load())
	}
}

func TestLoopCloseRejectsWork(t *testing.T) {
	loop := popup.NewLoop()
	if err := loop.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := loop.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := loop.Submit(func() {}); !errors.Is(err, popup.ErrLoopClosed) {
		t.Fatalf("expected ErrLoopClosed, got %v", err)
	}
	if err := loop.Do(context.Background(), func() {}); !errors.Is(err, popup.ErrLoopClosed) {
		t.Fatalf("expected ErrLoopClosed, got %v", err)
	}
}

func TestLoopHostsEngine(t *testing.T) {
	loop := popup.NewLoop()
	defer loop.Close()

	var engine *popup.Engine
	ctx := context.Background()
	if err := loop.Do(ctx, func() {
		var err error
		engine, err = popup.NewEngine(popup.EngineDeps{
			Durable:   popup.NewMemoryKV(nil),
			Session:   popup.NewMemoryKV(nil),
			Scheduler: loop,
		})
		if err != nil {
			panic(err)
		}
		if err := engine.MountCustom(popup.CustomConfig{ID: "flash", Enabled: true, TriggerType: popup.TriggerTimer}); err != nil {
			panic(err)
		}
	}); err != nil {
		t.Fatalf("setup: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		var active popup.Identity
		if err := loop.Do(ctx, func() { active, _ = engine.Active() }); err != nil {
			t.Fatalf("do: %v", err)
		}
		if active == "flash" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timer popup never activated")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := loop.Do(ctx, engine.Close); err != nil {
		t.Fatalf("close engine: %v", err)
	}
}
