package presence

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestReconciler(store Store) (*Registry, *Reconciler, *recorder) {
	reg := NewRegistry()
	pub := &recorder{}
	rec := NewReconciler(reg, store, pub, WithHeartbeatTimeout(30*time.Second))
	return reg, rec, pub
}

func TestReconcileExpiresSilentSession(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	reg, rec, pub := newTestReconciler(store)

	reg.Attach("u", "A", t0)
	if err := rec.Reconcile(ctx, t0); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if err := rec.Reconcile(ctx, t0.Add(31*time.Second)); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if got := reg.ListSessions("u"); len(got) != 0 {
		t.Fatalf("A should be swept, got %v", got)
	}
	events := pub.all()
	if len(events) != 2 {
		t.Fatalf("events = %+v, want online then offline", events)
	}
	last := events[1]
	if last.Status != StatusOffline || last.IsOnline || last.Previous != StatusOnline {
		t.Fatalf("offline event = %+v", last)
	}
	if !last.LastActiveAt.Equal(t0) {
		t.Fatalf("LastActiveAt = %v, want last heartbeat %v", last.LastActiveAt, t0)
	}
	stored, ok := store.get("u")
	if !ok || stored.IsOnline {
		t.Fatalf("stored record = %+v", stored)
	}
}

func TestReconcileSecondDeviceKeepsUserOnline(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	reg, rec, pub := newTestReconciler(store)

	reg.Attach("u", "A", t0)
	rec.Reconcile(ctx, t0)
	reg.Attach("u", "B", t0.Add(time.Second))
	rec.Reconcile(ctx, t0.Add(time.Second))

	if n := len(pub.all()); n != 1 {
		t.Fatalf("second attach produced events: %+v", pub.all())
	}

	reg.Detach("A")
	rec.Reconcile(ctx, t0.Add(2*time.Second))

	if n := len(pub.all()); n != 1 {
		t.Fatalf("detaching one of two devices produced events: %+v", pub.all())
	}
	if st, _ := rec.Status("u"); !st.IsOnline {
		t.Fatalf("user should still be online: %+v", st)
	}
	if stored, _ := store.get("u"); !stored.IsOnline {
		t.Fatalf("stored record = %+v", stored)
	}
}

func TestReconcileRetriesFailedWrite(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.failWrite = 1
	reg, rec, pub := newTestReconciler(store)

	reg.Attach("u", "A", t0)
	err := rec.Reconcile(ctx, t0)
	var perr *PersistenceError
	if !errors.As(err, &perr) || perr.UserID != "u" {
		t.Fatalf("Reconcile err = %v, want PersistenceError for u", err)
	}
	if !errors.Is(err, errStoreDown) {
		t.Fatalf("cause not preserved: %v", err)
	}
	if _, ok := store.get("u"); ok {
		t.Fatal("write should have failed")
	}
	if rec.Pending() != 1 {
		t.Fatalf("Pending = %d, want 1", rec.Pending())
	}

	reg.Heartbeat("A", t0.Add(5*time.Second), StatusOnline)
	if err := rec.Reconcile(ctx, t0.Add(10*time.Second)); err != nil {
		t.Fatalf("retry pass: %v", err)
	}
	stored, ok := store.get("u")
	if !ok || !stored.IsOnline || stored.Status != StatusOnline {
		t.Fatalf("stored record = %+v", stored)
	}
	if rec.Pending() != 0 {
		t.Fatalf("Pending = %d, want 0", rec.Pending())
	}
	if n := len(pub.all()); n != 1 {
		t.Fatalf("retry must not republish, events = %+v", pub.all())
	}
}

func TestReconcileRetriesFailedSeed(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.failRead = 1
	reg, rec, pub := newTestReconciler(store)

	reg.Attach("u", "A", t0)
	if err := rec.Reconcile(ctx, t0); err != nil {
		t.Fatalf("seed failure should not fail the pass: %v", err)
	}
	if n := len(pub.all()); n != 0 {
		t.Fatalf("no event before the user is seeded, got %+v", pub.all())
	}

	if err := rec.Reconcile(ctx, t0.Add(time.Second)); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	events := pub.all()
	if len(events) != 1 || events[0].Status != StatusOnline {
		t.Fatalf("events = %+v", events)
	}
}

func TestReconcileSeedsFromStore(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.put(DefaultNodeID, PresenceRecord{UserID: "u", IsOnline: true, Status: StatusOnline, LastActiveAt: t0})
	reg, rec, pub := newTestReconciler(store)

	reg.Attach("u", "A", t0.Add(time.Second))
	rec.Reconcile(ctx, t0.Add(time.Second))

	if n := len(pub.all()); n != 0 {
		t.Fatalf("already online in store, events = %+v", pub.all())
	}
}

func TestReconcileAwayAggregate(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	reg, rec, pub := newTestReconciler(store)

	reg.Attach("u", "A", t0)
	reg.Attach("u", "B", t0)
	rec.Reconcile(ctx, t0)

	reg.Heartbeat("A", t0.Add(time.Second), StatusAway)
	rec.Reconcile(ctx, t0.Add(time.Second))
	if n := len(pub.all()); n != 1 {
		t.Fatalf("one device away is still online, events = %+v", pub.all())
	}

	reg.Heartbeat("B", t0.Add(2*time.Second), StatusAway)
	rec.Reconcile(ctx, t0.Add(2*time.Second))
	events := pub.all()
	if len(events) != 2 {
		t.Fatalf("events = %+v", events)
	}
	if evt := events[1]; evt.Status != StatusAway || !evt.IsOnline {
		t.Fatalf("away event = %+v", evt)
	}
}

func TestRecoverClosesStaleRecords(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.put(DefaultNodeID, PresenceRecord{UserID: "ghost", IsOnline: true, Status: StatusOnline, LastActiveAt: t0})
	store.put(DefaultNodeID, PresenceRecord{UserID: "back", IsOnline: true, Status: StatusOnline, LastActiveAt: t0})
	reg, rec, pub := newTestReconciler(store)

	if err := rec.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	reg.Attach("back", "B", t0.Add(time.Minute))
	if err := rec.Reconcile(ctx, t0.Add(time.Minute)); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	events := pub.all()
	if len(events) != 1 || events[0].UserID != "ghost" || events[0].Status != StatusOffline {
		t.Fatalf("events = %+v", events)
	}
	if stored, _ := store.get("ghost"); stored.IsOnline {
		t.Fatalf("ghost still online: %+v", stored)
	}
	if stored, _ := store.get("back"); !stored.IsOnline {
		t.Fatalf("back should stay online: %+v", stored)
	}
	if _, ok := rec.Status("ghost"); ok {
		t.Fatal("offline user should be forgotten after persisting")
	}
}

func TestOnlineIffSessions(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	reg, rec, _ := newTestReconciler(store)

	steps := []struct {
		op   string
		conn string
	}{
		{"attach", "a"}, {"attach", "b"}, {"detach", "a"}, {"attach", "c"},
		{"detach", "b"}, {"detach", "c"}, {"attach", "d"}, {"detach", "d"},
	}
	now := t0
	for i, step := range steps {
		now = now.Add(time.Second)
		switch step.op {
		case "attach":
			reg.Attach("u", step.conn, now)
		case "detach":
			reg.Detach(step.conn)
		}
		if err := rec.Reconcile(ctx, now); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		live := len(reg.ListSessions("u")) > 0
		st, ok := rec.Status("u")
		if live && (!ok || !st.IsOnline) {
			t.Fatalf("step %d: sessions live but status %+v", i, st)
		}
		if !live && ok && st.IsOnline {
			t.Fatalf("step %d: no sessions but status %+v", i, st)
		}
	}
}

func newNode(store Store, id string) (*Registry, *Reconciler, *recorder) {
	reg := NewRegistry()
	pub := &recorder{}
	rec := NewReconciler(reg, store, pub, WithHeartbeatTimeout(30*time.Second), WithNodeID(id))
	return reg, rec, pub
}

func TestClusterDetachOnOneNodeKeepsUserOnline(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	regA, recA, pubA := newNode(store, "a")
	regB, recB, pubB := newNode(store, "b")

	regA.Attach("u", "A1", t0)
	recA.Reconcile(ctx, t0)
	regB.Attach("u", "B1", t0)
	recB.Reconcile(ctx, t0)

	if n := len(pubA.all()); n != 1 {
		t.Fatalf("node a events = %+v", pubA.all())
	}
	if n := len(pubB.all()); n != 0 {
		t.Fatalf("second node attach must not publish, got %+v", pubB.all())
	}

	regB.Detach("B1")
	if err := recB.Reconcile(ctx, t0.Add(time.Second)); err != nil {
		t.Fatalf("Reconcile b: %v", err)
	}
	if n := len(pubB.all()); n != 0 {
		t.Fatalf("user is still online on a, node b events = %+v", pubB.all())
	}
	if stored, _ := store.get("u"); !stored.IsOnline || stored.Status != StatusOnline {
		t.Fatalf("merged record = %+v, want online while a holds a session", stored)
	}

	// A node that restarts only closes what it owns.
	_, recC, pubC := newNode(store, "c")
	if err := recC.Recover(ctx); err != nil {
		t.Fatalf("Recover c: %v", err)
	}
	if err := recC.Reconcile(ctx, t0.Add(2*time.Second)); err != nil {
		t.Fatalf("Reconcile c: %v", err)
	}
	if n := len(pubC.all()); n != 0 {
		t.Fatalf("node c events = %+v", pubC.all())
	}
	if stored, _ := store.get("u"); !stored.IsOnline {
		t.Fatalf("recovery on c flipped u offline: %+v", stored)
	}

	regA.Detach("A1")
	recA.Reconcile(ctx, t0.Add(3*time.Second))
	events := pubA.all()
	if len(events) != 2 || events[1].Status != StatusOffline || events[1].Previous != StatusOnline {
		t.Fatalf("node a events = %+v", events)
	}
	if stored, _ := store.get("u"); stored.IsOnline {
		t.Fatalf("merged record = %+v, want offline", stored)
	}
}

func TestClusterAwayMergesWithRemoteOnline(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.put("b", PresenceRecord{UserID: "u", IsOnline: true, Status: StatusOnline, LastActiveAt: t0})
	reg, rec, pub := newNode(store, "a")

	reg.Attach("u", "A1", t0)
	rec.Reconcile(ctx, t0)
	reg.Heartbeat("A1", t0.Add(time.Second), StatusAway)
	rec.Reconcile(ctx, t0.Add(time.Second))

	if n := len(pub.all()); n != 0 {
		t.Fatalf("b keeps u online, events = %+v", pub.all())
	}
	if st, _ := rec.Status("u"); st.Status != StatusAway {
		t.Fatalf("local aggregate = %+v", st)
	}
	if stored, _ := store.get("u"); stored.Status != StatusOnline {
		t.Fatalf("merged record = %+v", stored)
	}
}

func TestRecoverFailureIsReported(t *testing.T) {
	store := &brokenListStore{memStore: newMemStore()}
	_, rec, _ := newTestReconciler(store)
	var perr *PersistenceError
	if err := rec.Recover(context.Background()); !errors.As(err, &perr) {
		t.Fatalf("Recover err = %v", err)
	}
}

type brokenListStore struct {
	*memStore
}

func (brokenListStore) ListNode(context.Context, string) ([]PresenceRecord, error) {
	return nil, errStoreDown
}

func TestMerge(t *testing.T) {
	later := t0.Add(time.Minute)
	got := Merge("u",
		PresenceRecord{Status: StatusOffline, LastActiveAt: later},
		PresenceRecord{Status: StatusAway, IsOnline: true, LastActiveAt: t0},
	)
	if got.Status != StatusAway || !got.IsOnline || !got.LastActiveAt.Equal(later) || got.UserID != "u" {
		t.Fatalf("Merge = %+v", got)
	}
	if got := Merge("u"); got.IsOnline || got.Status != StatusOffline {
		t.Fatalf("empty Merge = %+v", got)
	}
	nodes := map[string]PresenceRecord{
		"a": {Status: StatusOnline, IsOnline: true},
		"b": {Status: StatusAway, IsOnline: true},
	}
	if got := MergeNodes("u", nodes, "a"); got.Status != StatusAway {
		t.Fatalf("MergeNodes without a = %+v", got)
	}
}
