package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"miitopia-bot/internal/chat"
	"miitopia-bot/internal/logging"
	"miitopia-bot/internal/model"
)

func runDispatcher(t *testing.T, d *Dispatcher) (context.CancelFunc, <-chan error) {
	t.Helper()
	d.watch = nil
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	return cancel, done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
	return nil
}

func TestDispatcherHandlesAcceptedMessages(t *testing.T) {
	p, work := newTestPipeline(t, &fakeResolver{}, &fakeMerger{})
	gw := newFakeGateway()
	d := NewDispatcher(p, []chat.Gateway{gw}, DispatcherOptions{ShutdownGrace: time.Second}, logging.Discard())
	cancel, done := runDispatcher(t, d)

	ignored := photoMessage("ignored")
	ignored.Addressed = false
	accepted := photoMessage("accepted")
	gw.mu.Lock()
	gw.files[accepted.Attachments[0].URL] = "PNG"
	gw.mu.Unlock()

	gw.msgs <- ignored
	gw.msgs <- accepted

	select {
	case id := <-gw.replied:
		if id != "accepted" {
			t.Errorf("reply for %q", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reply")
	}

	cancel()
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}
	replies, notices := gw.snapshot()
	if len(replies) != 1 || len(notices) != 0 {
		t.Errorf("replies=%v notices=%v", replies, notices)
	}
	assertEmptyDir(t, work)
}

func TestDispatcherCancelsAfterGrace(t *testing.T) {
	started := make(chan struct{})
	m := &fakeMerger{hook: func(ctx context.Context, job model.MergeJob) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}
	p, work := newTestPipeline(t, &fakeResolver{}, m)
	gw := newFakeGateway()
	d := NewDispatcher(p, []chat.Gateway{gw}, DispatcherOptions{ShutdownGrace: 50 * time.Millisecond}, logging.Discard())
	cancel, done := runDispatcher(t, d)

	msg := photoMessage("stuck")
	gw.mu.Lock()
	gw.files[msg.Attachments[0].URL] = "PNG"
	gw.mu.Unlock()
	gw.msgs <- msg

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("merge never started")
	}

	cancel()
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}
	_, notices := gw.snapshot()
	if len(notices) != 1 {
		t.Errorf("notices = %v, want one failure notice", notices)
	}
	assertEmptyDir(t, work)
}

func TestDispatcherWaitsForInFlightWithinGrace(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	m := &fakeMerger{hook: func(ctx context.Context, job model.MergeJob) error {
		close(started)
		<-release
		return ctx.Err()
	}}
	p, work := newTestPipeline(t, &fakeResolver{}, m)
	gw := newFakeGateway()
	d := NewDispatcher(p, []chat.Gateway{gw}, DispatcherOptions{ShutdownGrace: 5 * time.Second}, logging.Discard())
	cancel, done := runDispatcher(t, d)

	msg := photoMessage("slow")
	gw.mu.Lock()
	gw.files[msg.Attachments[0].URL] = "PNG"
	gw.mu.Unlock()
	gw.msgs <- msg
	<-started

	cancel()
	select {
	case <-done:
		t.Fatal("Run returned while a request was still running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}
	replies, _ := gw.snapshot()
	if len(replies) != 1 {
		t.Errorf("in-flight request did not complete: replies=%v", replies)
	}
	assertEmptyDir(t, work)
}

func TestDispatcherStopsWhenGatewayCloses(t *testing.T) {
	p, _ := newTestPipeline(t, &fakeResolver{}, &fakeMerger{})
	gw := newFakeGateway()
	d := NewDispatcher(p, []chat.Gateway{gw}, DispatcherOptions{ShutdownGrace: time.Second}, logging.Discard())
	cancel, done := runDispatcher(t, d)
	defer cancel()

	close(gw.msgs)
	err := waitRun(t, done)
	if !errors.Is(err, model.ErrGateway) {
		t.Fatalf("Run error = %v, want ErrGateway", err)
	}
}

func TestDispatcherTurnsAwayBurstBeyondCap(t *testing.T) {
	release := make(chan struct{})
	var started atomic.Int32
	m := &fakeMerger{hook: func(ctx context.Context, job model.MergeJob) error {
		started.Add(1)
		<-release
		return nil
	}}
	p, work := newTestPipeline(t, &fakeResolver{}, m)
	gw := newFakeGateway()
	gw.replied = make(chan string, 64)
	d := NewDispatcher(p, []chat.Gateway{gw}, DispatcherOptions{ShutdownGrace: 5 * time.Second, MaxInFlight: 3}, logging.Discard())
	cancel, done := runDispatcher(t, d)

	const burst = 40
	var msgs []chat.Message
	gw.mu.Lock()
	for i := 0; i < burst; i++ {
		msg := photoMessage(fmt.Sprintf("m%d", i))
		gw.files[msg.Attachments[0].URL] = "PNG"
		msgs = append(msgs, msg)
	}
	gw.mu.Unlock()
	for _, msg := range msgs {
		gw.msgs <- msg
	}
	// Once this is received the listener is done with the whole burst.
	idle := photoMessage("idle")
	idle.Addressed = false
	gw.msgs <- idle

	select {
	case err := <-done:
		t.Fatalf("dispatcher stopped under load: %v", err)
	default:
	}

	_, notices := gw.snapshot()
	busy := 0
	for _, n := range notices {
		if strings.HasSuffix(n, ":"+model.Notice(model.ErrBusy)) {
			busy++
		}
	}
	if busy != burst-3 {
		t.Errorf("busy notices = %d, want %d", busy, burst-3)
	}

	close(release)
	for i := 0; i < 3; i++ {
		select {
		case <-gw.replied:
		case <-time.After(5 * time.Second):
			t.Fatal("admitted requests did not finish")
		}
	}
	if n := started.Load(); n != 3 {
		t.Errorf("merges started = %d, want 3", n)
	}

	// Slots free up once requests finish.
	late := photoMessage("late")
	gw.mu.Lock()
	gw.files[late.Attachments[0].URL] = "PNG"
	gw.mu.Unlock()
	gw.msgs <- late
	select {
	case id := <-gw.replied:
		if id != "late" {
			t.Errorf("reply for %q", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("request after the burst was not handled")
	}

	cancel()
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}
	assertEmptyDir(t, work)
}

func TestDispatcherRejectsWhileOverloaded(t *testing.T) {
	var merges atomic.Int32
	m := &fakeMerger{hook: func(context.Context, model.MergeJob) error {
		merges.Add(1)
		return nil
	}}
	p, _ := newTestPipeline(t, &fakeResolver{}, m)
	gw := newFakeGateway()
	d := NewDispatcher(p, []chat.Gateway{gw}, DispatcherOptions{ShutdownGrace: time.Second}, logging.Discard())
	d.overloaded.Store(true)
	cancel, done := runDispatcher(t, d)

	msg := photoMessage("m1")
	gw.mu.Lock()
	gw.files[msg.Attachments[0].URL] = "PNG"
	gw.mu.Unlock()
	gw.msgs <- msg
	// The unbuffered send returns once the listener has the message; a second
	// send makes sure the first was fully processed.
	ignored := photoMessage("ignored")
	ignored.Addressed = false
	gw.msgs <- ignored

	cancel()
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}
	replies, notices := gw.snapshot()
	if len(replies) != 0 || merges.Load() != 0 {
		t.Errorf("overloaded dispatcher did work: replies=%v", replies)
	}
	if want := "m1:" + model.Notice(model.ErrBusy); len(notices) != 1 || notices[0] != want {
		t.Errorf("notices = %v, want [%s]", notices, want)
	}
}

func TestResourceWatcherShedsLoadInsteadOfStopping(t *testing.T) {
	var overloaded atomic.Bool
	w := newResourceWatcher(logging.Discard(), &overloaded)

	w.check(100<<20, 1106)
	if !overloaded.Load() {
		t.Fatal("critical goroutine count should mark the dispatcher overloaded")
	}
	w.check(1300<<20, 10)
	if !overloaded.Load() {
		t.Fatal("critical heap should keep the dispatcher overloaded")
	}
	w.check(100<<20, 600)
	if overloaded.Load() {
		t.Error("warn level should accept requests again")
	}
	w.check(100<<20, 50)
	if overloaded.Load() {
		t.Error("ok level should accept requests")
	}
}

func TestClassifyResources(t *testing.T) {
	tests := []struct {
		heap       uint64
		goroutines int
		want       resourceLevel
	}{
		{100 << 20, 50, resourcesOK},
		{700 << 20, 50, resourcesWarn},
		{100 << 20, 600, resourcesWarn},
		{1300 << 20, 50, resourcesCritical},
		{100 << 20, 1500, resourcesCritical},
	}
	for _, tt := range tests {
		if got := classifyResources(tt.heap, tt.goroutines); got != tt.want {
			t.Errorf("classifyResources(%d, %d) = %d, want %d", tt.heap, tt.goroutines, got, tt.want)
		}
	}
}
