package background

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeKiller struct {
	mu      sync.Mutex
	err     error
	killed  []string
	release chan struct{}
	entered chan string
}

func (k *fakeKiller) KillBackground(ctx context.Context, bashID string) error {
	if k.entered != nil {
		k.entered <- bashID
	}
	if k.release != nil {
		<-k.release
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.killed = append(k.killed, bashID)
	return k.err
}

type publishLog struct {
	mu     sync.Mutex
	events []publishEvent
}

type publishEvent struct {
	sessionID string
	ids       []string
}

func (p *publishLog) publish(sessionID string, records []Record) {
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.BashID
	}
	p.mu.Lock()
	p.events = append(p.events, publishEvent{sessionID, ids})
	p.mu.Unlock()
}

func (p *publishLog) last() publishEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[len(p.events)-1]
}

func ids(records []Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.BashID
	}
	return out
}

func TestTracker_RegisterListRemove(t *testing.T) {
	pub := &publishLog{}
	tr := NewTracker(&fakeKiller{}, pub.publish)

	tr.Register("s1", "b1", "npm run dev")
	tr.Register("s1", "b2", "go test ./...")
	tr.Register("s2", "b3", "sleep 10")

	if got := ids(tr.List("s1")); len(got) != 2 || got[0] != "b1" || got[1] != "b2" {
		t.Errorf("List(s1) = %v", got)
	}
	if got := tr.List("s2"); len(got) != 1 || got[0].Command != "sleep 10" {
		t.Errorf("List(s2) = %+v", got)
	}
	if last := pub.last(); last.sessionID != "s2" {
		t.Errorf("last publish for %q, want s2", last.sessionID)
	}

	tr.Remove("s2", "b1") // not owned: ignored
	if len(tr.List("s1")) != 2 {
		t.Error("Remove by non-owner must not change other sessions")
	}

	tr.Remove("s1", "b1")
	if got := ids(tr.List("s1")); len(got) != 1 || got[0] != "b2" {
		t.Errorf("List(s1) after remove = %v", got)
	}
	if tr.List("unknown") == nil {
		t.Error("List should return an empty slice, not nil")
	}
}

func TestTracker_ConcurrentChangesPublishInOrder(t *testing.T) {
	pub := &publishLog{}
	tr := NewTracker(&fakeKiller{}, pub.publish)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tr.Register("s1", fmt.Sprintf("b%d", i), "sleep 1")
		}(i)
	}
	wg.Wait()

	pub.mu.Lock()
	defer pub.mu.Unlock()
	prev := 0
	for i, ev := range pub.events {
		if len(ev.ids) < prev {
			t.Fatalf("publish %d has %d processes after one with %d", i, len(ev.ids), prev)
		}
		prev = len(ev.ids)
	}
	if prev != 50 {
		t.Errorf("last publish has %d processes, want 50", prev)
	}
}

func TestTracker_KillConfirmed(t *testing.T) {
	pub := &publishLog{}
	killer := &fakeKiller{}
	tr := NewTracker(killer, pub.publish)
	tr.Register("s1", "b1", "sleep 100")

	res, err := tr.Kill(context.Background(), "s1", "b1")
	if err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if res.Outcome != KillConfirmed || res.BashID != "b1" {
		t.Errorf("result = %+v", res)
	}
	if len(tr.List("s1")) != 0 || tr.Count() != 0 {
		t.Error("record should be removed after confirmed kill")
	}
	if len(killer.killed) != 1 {
		t.Errorf("killer called %d times", len(killer.killed))
	}
	if last := pub.last(); len(last.ids) != 0 {
		t.Errorf("final publish = %v, want empty", last.ids)
	}
}

func TestTracker_KillOptimisticThenRollback(t *testing.T) {
	pub := &publishLog{}
	killer := &fakeKiller{
		err:     errors.New("permission denied"),
		release: make(chan struct{}),
		entered: make(chan string, 1),
	}
	tr := NewTracker(killer, pub.publish)
	tr.Register("s1", "b1", "sleep 100")

	type outcome struct {
		res KillResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := tr.Kill(context.Background(), "s1", "b1")
		done <- outcome{res, err}
	}()

	<-killer.entered
	if len(tr.List("s1")) != 0 {
		t.Error("record should be hidden while the kill is in flight")
	}
	if last := pub.last(); len(last.ids) != 0 {
		t.Errorf("optimistic publish = %v, want empty", last.ids)
	}

	if _, err := tr.Kill(context.Background(), "s1", "b1"); !errors.Is(err, ErrKillInProgress) {
		t.Errorf("concurrent kill = %v, want ErrKillInProgress", err)
	}

	close(killer.release)
	var o outcome
	select {
	case o = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Kill did not return")
	}

	if o.err == nil || o.res.Outcome != KillRolledBack || o.res.Err == nil {
		t.Errorf("result = %+v, err = %v", o.res, o.err)
	}
	if got := ids(tr.List("s1")); len(got) != 1 || got[0] != "b1" {
		t.Errorf("List after rollback = %v", got)
	}
	if last := pub.last(); len(last.ids) != 1 {
		t.Errorf("rollback publish = %v", last.ids)
	}
}

func TestTracker_KillNotOwned(t *testing.T) {
	killer := &fakeKiller{}
	tr := NewTracker(killer, nil)
	tr.Register("owner", "b1", "sleep 100")
	tr.Register("intruder", "b2", "sleep 100")

	if _, err := tr.Kill(context.Background(), "intruder", "b1"); !errors.Is(err, ErrNotOwned) {
		t.Fatalf("Kill by non-owner = %v, want ErrNotOwned", err)
	}
	if len(killer.killed) != 0 {
		t.Error("killer must not run for a rejected kill")
	}
	if len(tr.List("owner")) != 1 || len(tr.List("intruder")) != 1 {
		t.Error("rejected kill must leave both sessions untouched")
	}

	if _, err := tr.Kill(context.Background(), "owner", "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Kill unknown = %v, want ErrNotFound", err)
	}
}

func TestTracker_ExitDuringKill(t *testing.T) {
	killer := &fakeKiller{release: make(chan struct{}), entered: make(chan string, 1)}
	tr := NewTracker(killer, nil)
	tr.Register("s1", "b1", "sleep 100")

	done := make(chan error, 1)
	go func() {
		_, err := tr.Kill(context.Background(), "s1", "b1")
		done <- err
	}()
	<-killer.entered
	tr.BackgroundExited("s1", "b1")
	close(killer.release)

	if err := <-done; err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if tr.Count() != 0 {
		t.Errorf("Count = %d, want 0", tr.Count())
	}
}

func TestTracker_DropSession(t *testing.T) {
	tr := NewTracker(&fakeKiller{}, nil)
	tr.BackgroundStarted("s1", "b1", "a")
	tr.BackgroundStarted("s1", "b2", "b")
	tr.BackgroundStarted("s2", "b3", "c")

	tr.DropSession("s1")
	if len(tr.List("s1")) != 0 {
		t.Error("s1 records should be dropped")
	}
	if len(tr.List("s2")) != 1 {
		t.Error("s2 records should survive")
	}
}
