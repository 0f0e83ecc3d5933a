package daemon

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dcm-common/orchestra/internal/testutil"
)

func TestDaemonRestartsAfterError(t *testing.T) {
	var calls atomic.Int64
	d := New("test", nil)
	d.Start(func() error {
		calls.Add(1)
		return errors.New("boom")
	}, 5*time.Millisecond, true)
	defer d.Stop(true)

	testutil.MustWaitForCount(t, &calls, 3, testutil.WithTimeout(time.Second))
}

func TestDaemonRecoversFromPanic(t *testing.T) {
	var calls atomic.Int64
	d := New("test", nil)
	d.Start(func() error {
		calls.Add(1)
		panic("kaboom")
	}, 5*time.Millisecond, true)
	defer d.Stop(true)

	testutil.MustWaitForCount(t, &calls, 2, testutil.WithTimeout(time.Second))
}

func TestDaemonStopBlocksUntilExit(t *testing.T) {
	d := New("test", nil)
	d.Start(func() error {
		time.Sleep(5 * time.Millisecond)
		return nil
	}, time.Hour, true)

	d.Stop(true)
	if d.Status().Running {
		t.Fatal("expected daemon to have stopped running")
	}
}

func TestDaemonStatusReflectsDesiredState(t *testing.T) {
	d := New("test", nil)
	if d.Status().Active {
		t.Fatal("expected inactive before Start")
	}
	d.Start(func() error { return nil }, time.Hour, true)
	if !d.Status().Active {
		t.Fatal("expected active after Start")
	}
	d.Stop(true)
	if d.Status().Active {
		t.Fatal("expected inactive after Stop")
	}
}

func TestDaemonOneShotStopsAfterSuccess(t *testing.T) {
	var calls atomic.Int64
	d := New("test", nil)
	d.Start(func() error {
		calls.Add(1)
		return nil
	}, time.Millisecond, false)

	testutil.MustWaitFor(t, func() bool { return !d.Status().Running }, testutil.WithTimeout(time.Second))
	if calls.Load() != 1 {
		t.Fatalf("expected exactly one call for one-shot daemon, got %d", calls.Load())
	}
}
