package presence

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func connIDs(sessions []ClientSession) []string {
	out := make([]string, len(sessions))
	for i, s := range sessions {
		out[i] = s.ConnectionID
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRegistryAttachDetachTracksSet(t *testing.T) {
	r := NewRegistry()
	r.Attach("u1", "a", t0)
	r.Attach("u1", "b", t0.Add(time.Second))
	r.Attach("u2", "c", t0)

	if got := connIDs(r.ListSessions("u1")); !equalStrings(got, []string{"a", "b"}) {
		t.Fatalf("u1 sessions = %v", got)
	}
	if _, err := r.Detach("a"); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if got := connIDs(r.ListSessions("u1")); !equalStrings(got, []string{"b"}) {
		t.Fatalf("u1 sessions after detach = %v", got)
	}
	if r.Len() != 2 || r.Users() != 2 {
		t.Fatalf("Len=%d Users=%d", r.Len(), r.Users())
	}
	if _, err := r.Detach("b"); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if got := r.ListSessions("u1"); len(got) != 0 {
		t.Fatalf("u1 should have no sessions, got %v", got)
	}
	if r.Users() != 1 {
		t.Fatalf("Users = %d, want 1", r.Users())
	}
}

func TestRegistryUnknownSession(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Heartbeat("nope", t0, StatusOnline); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("Heartbeat err = %v", err)
	}
	if _, err := r.Detach("nope"); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("Detach err = %v", err)
	}

	r.Attach("u1", "a", t0)
	r.Detach("a")
	if _, err := r.Detach("a"); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("second Detach err = %v", err)
	}
}

func TestRegistryHeartbeat(t *testing.T) {
	r := NewRegistry()
	r.Attach("u1", "a", t0)
	r.TakeDirty()

	s, err := r.Heartbeat("a", t0.Add(10*time.Second), StatusOnline)
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if !s.LastHeartbeatAt.Equal(t0.Add(10 * time.Second)) {
		t.Fatalf("LastHeartbeatAt = %v", s.LastHeartbeatAt)
	}
	if d := r.TakeDirty(); len(d) != 0 {
		t.Fatalf("unchanged status should not mark dirty: %v", d)
	}

	s, _ = r.Heartbeat("a", t0.Add(5*time.Second), StatusOnline)
	if !s.LastHeartbeatAt.Equal(t0.Add(10 * time.Second)) {
		t.Fatalf("heartbeat moved backwards to %v", s.LastHeartbeatAt)
	}

	s, _ = r.Heartbeat("a", t0.Add(12*time.Second), StatusOffline)
	if s.ReportedStatus != StatusAway {
		t.Fatalf("reported offline should become away, got %q", s.ReportedStatus)
	}
	if d := r.TakeDirty(); len(d) != 1 {
		t.Fatalf("status change should mark dirty: %v", d)
	}
}

func TestRegistrySweepExpired(t *testing.T) {
	r := NewRegistry()
	r.Attach("u1", "a", t0)
	r.Attach("u1", "b", t0)
	r.Heartbeat("b", t0.Add(20*time.Second), StatusOnline)

	if got := r.SweepExpired(t0.Add(29*time.Second), 30*time.Second); len(got) != 0 {
		t.Fatalf("nothing should expire yet, got %v", got)
	}

	expired := r.SweepExpired(t0.Add(30*time.Second), 30*time.Second)
	if got := connIDs(expired); !equalStrings(got, []string{"a"}) {
		t.Fatalf("expired = %v", got)
	}
	if got := connIDs(r.ListSessions("u1")); !equalStrings(got, []string{"b"}) {
		t.Fatalf("remaining = %v", got)
	}
	if _, err := r.Heartbeat("a", t0.Add(31*time.Second), StatusOnline); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("heartbeat on swept session: %v", err)
	}
}

func TestRegistryReattachMovesConnection(t *testing.T) {
	r := NewRegistry()
	r.Attach("u1", "a", t0)
	r.TakeDirty()

	r.Attach("u2", "a", t0.Add(time.Second))
	if got := r.ListSessions("u1"); len(got) != 0 {
		t.Fatalf("u1 still owns %v", got)
	}
	if got := connIDs(r.ListSessions("u2")); !equalStrings(got, []string{"a"}) {
		t.Fatalf("u2 sessions = %v", got)
	}
	dirty := r.TakeDirty()
	if _, ok := dirty["u1"]; !ok {
		t.Fatal("previous owner should be marked dirty")
	}
	if _, ok := dirty["u2"]; !ok {
		t.Fatal("new owner should be marked dirty")
	}
}

func TestRegistryDetachUsesClock(t *testing.T) {
	at := t0.Add(time.Minute)
	r := NewRegistry().WithClock(func() time.Time { return at })
	r.Attach("u1", "a", t0)
	r.TakeDirty()
	r.Detach("a")
	if got := r.TakeDirty()["u1"]; !got.Equal(at) {
		t.Fatalf("detach activity = %v, want %v", got, at)
	}
}

func TestRegistryConcurrentDetachAndSweep(t *testing.T) {
	const (
		workers   = 8
		perWorker = 200
		timeout   = 30 * time.Second
	)
	reg := NewRegistry()

	var mu sync.Mutex
	detached := make(map[string]int)
	swept := make(map[string]int)

	stop := make(chan struct{})
	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, s := range reg.SweepExpired(t0.Add(timeout), timeout) {
				mu.Lock()
				swept[s.ConnectionID]++
				mu.Unlock()
			}
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			user := fmt.Sprintf("u%d", w)
			for i := 0; i < perWorker; i++ {
				conn := fmt.Sprintf("%s-c%d", user, i)
				reg.Attach(user, conn, t0)
				if i%3 == 0 {
					// Moves the session past the sweeper's cutoff, unless it
					// was swept first.
					if _, err := reg.Heartbeat(conn, t0.Add(time.Hour), StatusAway); err != nil && !errors.Is(err, ErrUnknownSession) {
						t.Errorf("Heartbeat %s: %v", conn, err)
					}
				}
				if i%2 == 0 {
					_, err := reg.Detach(conn)
					switch {
					case err == nil:
						mu.Lock()
						detached[conn]++
						mu.Unlock()
					case !errors.Is(err, ErrUnknownSession):
						t.Errorf("Detach %s: %v", conn, err)
					}
				}
			}
		}(w)
	}
	wg.Wait()
	close(stop)
	<-sweeperDone

	for conn, n := range detached {
		if n != 1 || swept[conn] != 0 {
			t.Fatalf("%s detached %d times and swept %d times", conn, n, swept[conn])
		}
	}
	for conn, n := range swept {
		if n != 1 {
			t.Fatalf("%s swept %d times", conn, n)
		}
	}

	want := workers*perWorker - len(detached) - len(swept)
	if got := reg.Len(); got != want {
		t.Fatalf("Len = %d, want %d (detached %d, swept %d)", got, want, len(detached), len(swept))
	}
	listed := 0
	for w := 0; w < workers; w++ {
		listed += len(reg.ListSessions(fmt.Sprintf("u%d", w)))
	}
	if listed != want {
		t.Fatalf("per user listing = %d sessions, registry holds %d", listed, want)
	}

	// Whatever survived is swept once and never reported again.
	rest := reg.SweepExpired(t0.Add(2*time.Hour), timeout)
	if len(rest) != want || reg.Len() != 0 {
		t.Fatalf("final sweep = %d, Len = %d", len(rest), reg.Len())
	}
	if again := reg.SweepExpired(t0.Add(2*time.Hour), timeout); len(again) != 0 {
		t.Fatalf("second sweep returned %d sessions", len(again))
	}
}
