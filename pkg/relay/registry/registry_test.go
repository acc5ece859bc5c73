package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRegistry_AdmitRelease_SnapshotAndWait(t *testing.T) {
	r := New()
	if got := r.Snapshot(); got != (Snapshot{}) {
		t.Fatalf("initial snapshot=%+v", got)
	}

	c1 := r.AdmitConnection("c1", Handle{})
	c2 := r.AdmitConnection("c2", Handle{})
	s1 := r.AdmitSession("s1")
	if got := r.Snapshot(); got.ActiveConnections != 2 || got.ActiveSessions != 1 {
		t.Fatalf("snapshot=%+v, want 2/1", got)
	}

	s1()
	s1()
	c1()
	c1()
	if got := r.Snapshot(); got.ActiveConnections != 1 || got.ActiveSessions != 0 {
		t.Fatalf("snapshot=%+v, want 1/0", got)
	}

	c2()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if !r.Wait(ctx) {
		t.Fatalf("expected Wait to return true")
	}
}

func TestRegistry_WaitTimesOut(t *testing.T) {
	r := New()
	release := r.AdmitConnection("c1", Handle{})
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if r.Wait(ctx) {
		t.Fatalf("expected Wait to time out")
	}
}

func TestRegistry_DuplicateIDNotDoubleCounted(t *testing.T) {
	r := New()
	first := r.AdmitSession("s")
	second := r.AdmitSession("s")
	if got := r.Snapshot().ActiveSessions; got != 1 {
		t.Fatalf("sessions=%d, want 1", got)
	}
	first()
	if got := r.Snapshot().ActiveSessions; got != 1 {
		t.Fatalf("stale release removed live entry: sessions=%d", got)
	}
	second()
	if got := r.Snapshot().ActiveSessions; got != 0 {
		t.Fatalf("sessions=%d, want 0", got)
	}
}

func TestRegistry_ConcurrentCallsReturnToBaseline(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			releaseConn := r.AdmitConnection(id, Handle{})
			for j := 0; j < 5; j++ {
				releaseSession := r.AdmitSession(fmt.Sprintf("%s-s%d", id, j))
				if snap := r.Snapshot(); snap.ActiveSessions < 0 || snap.ActiveConnections < 0 {
					t.Errorf("negative snapshot %+v", snap)
				}
				releaseSession()
				releaseSession()
			}
			releaseConn()
		}(i)
	}
	wg.Wait()
	if got := r.Snapshot(); got != (Snapshot{}) {
		t.Fatalf("snapshot=%+v, want baseline", got)
	}
}

func TestRegistry_CancelAllAndWarnAll(t *testing.T) {
	r := New()
	var canceled, warned atomic.Int64
	r.AdmitConnection("c1", Handle{
		Cancel: func() { canceled.Add(1) },
		Warn: func(code, message string) error {
			warned.Add(1)
			return nil
		},
	})
	r.AdmitConnection("c2", Handle{
		Cancel: func() { canceled.Add(1) },
		Warn: func(code, message string) error {
			warned.Add(1)
			return errors.New("gone")
		},
	})
	r.AdmitConnection("c3", Handle{})

	if n := r.WarnAll("server_draining", "bye"); n != 2 {
		t.Fatalf("warned=%d, want 2", n)
	}
	if n := r.CancelAll(); n != 2 {
		t.Fatalf("canceled=%d, want 2", n)
	}
	if canceled.Load() != 2 || warned.Load() != 2 {
		t.Fatalf("cancel=%d warn=%d", canceled.Load(), warned.Load())
	}
}

func TestRegistry_Draining(t *testing.T) {
	r := New()
	if r.IsDraining() {
		t.Fatalf("new registry should not be draining")
	}
	r.SetDraining(true)
	if !r.IsDraining() {
		t.Fatalf("expected draining")
	}

	var nilReg *Registry
	nilReg.SetDraining(true)
	if nilReg.IsDraining() || nilReg.Snapshot() != (Snapshot{}) {
		t.Fatalf("nil registry should be inert")
	}
	nilReg.AdmitSession("x")()
}
