package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/staydesk/backend/internal/ai"
	"github.com/staydesk/backend/internal/counters"
	"github.com/staydesk/backend/internal/db"
	"github.com/staydesk/backend/internal/directory"
	"github.com/staydesk/backend/internal/models"
)

type classifierFunc func(ctx context.Context, req ai.Request) (ai.Result, error)

func (f classifierFunc) Classify(ctx context.Context, req ai.Request) (ai.Result, error) {
	return f(ctx, req)
}

type recordingSink struct {
	mu      sync.Mutex
	notes   []string
	alerts  []string
	failing bool
}

func (r *recordingSink) Notify(_ context.Context, channel, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failing {
		return errors.New("slack down")
	}
	r.notes = append(r.notes, channel+"|"+text)
	return nil
}

func (r *recordingSink) Alert(_ context.Context, recipient, subject, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failing {
		return errors.New("smtp down")
	}
	r.alerts = append(r.alerts, subject)
	return nil
}

// stalledAlerter blocks until released, ignoring its context.
type stalledAlerter struct {
	release chan struct{}
}

func (s stalledAlerter) Alert(context.Context, string, string, string) error {
	select {
	case <-s.release:
	case <-time.After(3 * time.Second):
	}
	return nil
}

type triageFixture struct {
	store  *db.MemoryStore
	sink   *recordingSink
	triage *Triage
}

func newTriageFixture(t *testing.T, classify classifierFunc) *triageFixture {
	t.Helper()
	store := db.NewMemoryStore()
	sink := &recordingSink{}
	tr := &Triage{
		Store:      store,
		Classifier: classify,
		Dispatcher: &Dispatcher{Directory: directory.Default(), Counters: counters.NewMemory(), Logger: zerolog.Nop()},
		Effects: &EffectExecutor{
			Log:       store,
			Notifier:  sink,
			Alerter:   sink,
			Channel:   "#airbnb-staff",
			Recipient: "management@airbnb-assist.com",
			Logger:    zerolog.Nop(),
		},
		Timeout: time.Second,
		Workers: 4,
		Logger:  zerolog.Nop(),
	}
	return &triageFixture{store: store, sink: sink, triage: tr}
}

func (f *triageFixture) addMessage(t *testing.T, id, guest, content string) {
	t.Helper()
	err := f.store.InsertMessage(context.Background(), models.Message{
		ID: id, GuestName: guest, Platform: "Airbnb", Content: content,
		Timestamp: time.Now().UTC(), Status: models.MessageNew, Author: models.AuthorGuest,
	})
	if err != nil {
		t.Fatalf("insert message: %v", err)
	}
}

func (f *triageFixture) logs(t *testing.T) []models.LogEntry {
	t.Helper()
	entries, err := f.store.ListLogs(context.Background(), 100)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	// oldest first reads more naturally in assertions
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries
}

var cottageBooking = []models.Booking{{
	ID: "b1", GuestName: "Alice", Property: "The Cozy Cottage",
	CheckIn:  time.Date(2024, 7, 20, 15, 0, 0, 0, time.UTC),
	CheckOut: time.Date(2024, 7, 25, 11, 0, 0, 0, time.UTC),
}}

func TestProcessIsIdempotent(t *testing.T) {
	var calls int32
	f := newTriageFixture(t, func(context.Context, ai.Request) (ai.Result, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(10 * time.Millisecond)
		return ai.Result{Text: "Yes, there is a coffee maker available for your use."}, nil
	})
	f.addMessage(t, "m1", "Alice", "Is there a coffee maker?")

	var processed int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.triage.Process(context.Background(), "m1", cottageBooking)
			if err != nil {
				t.Errorf("process: %v", err)
			}
			if !out.Skipped {
				atomic.AddInt32(&processed, 1)
			}
		}()
	}
	wg.Wait()

	if processed != 1 || calls != 1 {
		t.Fatalf("expected a single processing, got processed=%d classifier calls=%d", processed, calls)
	}
	msg, _ := f.store.GetMessage(context.Background(), "m1")
	if msg.Status != models.MessageResponded {
		t.Fatalf("expected Responded, got %s", msg.Status)
	}
}

func TestProcessTaskEscalation(t *testing.T) {
	var gotContext string
	f := newTriageFixture(t, func(_ context.Context, req ai.Request) (ai.Result, error) {
		gotContext = req.BookingContext
		return ai.Result{Text: "ESCALATE_TASK: Fix slow water leak under the kitchen sink."}, nil
	})
	f.addMessage(t, "m1", "Alice", "There is a slow drip under the kitchen sink.")

	out, err := f.triage.Process(context.Background(), "m1", cottageBooking)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if gotContext != "Context: The guest 'Alice' has a booking for 'The Cozy Cottage' from Jul 20, 2024 to Jul 25, 2024." {
		t.Fatalf("unexpected booking context %q", gotContext)
	}

	msg, _ := f.store.GetMessage(context.Background(), "m1")
	if msg.Status != models.MessageEscalated || msg.AIResponse != "Task Created: Fix slow water leak under the kitchen sink." {
		t.Fatalf("unexpected message %+v", msg)
	}

	tasks, _ := f.store.ListTasks(context.Background(), db.TaskFilter{})
	if len(tasks) != 1 {
		t.Fatalf("expected one task, got %d", len(tasks))
	}
	task := tasks[0]
	if task.Description != "Fix slow water leak under the kitchen sink." || task.Property != "The Cozy Cottage" || task.SourceMessageID != "m1" || task.Status != models.TaskToDo {
		t.Fatalf("unexpected task %+v", task)
	}
	if task.StaffName == nil || *task.StaffName != "John Piper" || out.StaffID != "maint_staff_1" {
		t.Fatalf("expected John Piper to be assigned, got %+v", task)
	}

	if len(f.sink.notes) != 1 || f.sink.notes[0] != "#airbnb-staff|🔧 New Task Assigned to John Piper: Fix slow water leak under the kitchen sink. at The Cozy Cottage." {
		t.Fatalf("unexpected notifications %v", f.sink.notes)
	}
	if len(f.sink.alerts) != 1 || f.sink.alerts[0] != "New Maintenance Task Created for The Cozy Cottage" {
		t.Fatalf("unexpected alerts %v", f.sink.alerts)
	}
	logs := f.logs(t)
	if len(logs) != 1 || logs[0].Message != "AI assigned task to John Piper" || logs[0].Outcome != "Maintenance" {
		t.Fatalf("unexpected logs %+v", logs)
	}
}

func TestProcessTaskEscalationRotatesAcrossTiedPlumbers(t *testing.T) {
	f := newTriageFixture(t, func(context.Context, ai.Request) (ai.Result, error) {
		return ai.Result{Text: "ESCALATE_TASK: Fix leak."}, nil
	})
	f.addMessage(t, "m1", "Alice", "leak one")
	f.addMessage(t, "m2", "Alice", "leak two")
	ctx := context.Background()

	first, _ := f.triage.Process(ctx, "m1", cottageBooking)
	// John now has one open task, so Walter has the lower workload.
	second, _ := f.triage.Process(ctx, "m2", cottageBooking)
	if first.StaffID != "maint_staff_1" || second.StaffID != "maint_staff_4" {
		t.Fatalf("expected John then Walter, got %s then %s", first.StaffID, second.StaffID)
	}
}

func TestProcessTaskEscalationWithoutBooking(t *testing.T) {
	f := newTriageFixture(t, func(_ context.Context, req ai.Request) (ai.Result, error) {
		if req.BookingContext != "Context: No booking context available." {
			t.Errorf("unexpected context %q", req.BookingContext)
		}
		return ai.Result{Text: "ESCALATE_TASK: The front door lock is broken."}, nil
	})
	f.addMessage(t, "m1", "Stranger", "The front door lock is broken")

	if _, err := f.triage.Process(context.Background(), "m1", cottageBooking); err != nil {
		t.Fatalf("process: %v", err)
	}
	tasks, _ := f.store.ListTasks(context.Background(), db.TaskFilter{})
	if len(tasks) != 1 || tasks[0].Property != models.UnknownProperty {
		t.Fatalf("expected one task for an unknown property, got %+v", tasks)
	}
	if tasks[0].StaffName == nil || *tasks[0].StaffName != "Bob Builder" {
		t.Fatalf("expected the door specialist, got %+v", tasks[0])
	}
	if !strings.Contains(f.sink.notes[0], "at Unknown.") {
		t.Fatalf("unexpected notification %q", f.sink.notes[0])
	}
}

func TestProcessGeneralEscalation(t *testing.T) {
	f := newTriageFixture(t, func(context.Context, ai.Request) (ai.Result, error) {
		return ai.Result{Text: "ESCALATE:   Guest reports a noise complaint from neighbours."}, nil
	})
	f.addMessage(t, "m1", "Alice", "The neighbours are very loud")

	if _, err := f.triage.Process(context.Background(), "m1", cottageBooking); err != nil {
		t.Fatalf("process: %v", err)
	}
	msg, _ := f.store.GetMessage(context.Background(), "m1")
	if msg.Status != models.MessageEscalated || msg.AIResponse != "Guest reports a noise complaint from neighbours." {
		t.Fatalf("unexpected message %+v", msg)
	}
	if len(f.sink.notes) != 1 || !strings.Contains(f.sink.notes[0], "High-priority issue escalated from Alice") {
		t.Fatalf("unexpected notifications %v", f.sink.notes)
	}
	if len(f.sink.alerts) != 1 || f.sink.alerts[0] != "Escalated Issue from Alice" {
		t.Fatalf("unexpected alerts %v", f.sink.alerts)
	}
	tasks, _ := f.store.ListTasks(context.Background(), db.TaskFilter{})
	if len(tasks) != 0 {
		t.Fatalf("general escalation must not create tasks")
	}
}

func TestProcessClassifierFailure(t *testing.T) {
	f := newTriageFixture(t, func(context.Context, ai.Request) (ai.Result, error) {
		return ai.Result{}, ai.RateLimitError{}
	})
	f.addMessage(t, "m1", "Alice", "hello")

	out, err := f.triage.Process(context.Background(), "m1", cottageBooking)
	if err != nil {
		t.Fatalf("classifier faults must not escape: %v", err)
	}
	if out.Status != models.MessageFailed {
		t.Fatalf("expected Failed, got %s", out.Status)
	}
	logs := f.logs(t)
	if len(logs) != 1 || logs[0].Message != "Processing message from Alice" || logs[0].Outcome != "Failed" {
		t.Fatalf("unexpected logs %+v", logs)
	}
	if len(f.sink.notes) != 0 || len(f.sink.alerts) != 0 {
		t.Fatalf("failure must not notify")
	}
}

func TestProcessClassifierTimeout(t *testing.T) {
	f := newTriageFixture(t, func(ctx context.Context, _ ai.Request) (ai.Result, error) {
		<-ctx.Done()
		return ai.Result{}, ctx.Err()
	})
	f.triage.Timeout = 20 * time.Millisecond
	f.addMessage(t, "m1", "Alice", "hello")

	out, err := f.triage.Process(context.Background(), "m1", nil)
	if err != nil || out.Status != models.MessageFailed {
		t.Fatalf("expected Failed after timeout, got %+v err=%v", out, err)
	}
}

func TestProcessSearchLabels(t *testing.T) {
	cases := []struct {
		name    string
		sources []models.Source
		label   string
	}{
		{"with sources", []models.Source{{Title: "Guide", URI: "https://example.com"}}, "Found Info"},
		{"without sources", nil, "Search No Results"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newTriageFixture(t, func(_ context.Context, req ai.Request) (ai.Result, error) {
				if !req.UseSearch {
					t.Errorf("expected lookup to be requested")
				}
				return ai.Result{Text: "Try the harbour market.", Sources: tc.sources}, nil
			})
			f.addMessage(t, "m1", "Alice", "Can you recommend some restaurants nearby?")

			if _, err := f.triage.Process(context.Background(), "m1", cottageBooking); err != nil {
				t.Fatalf("process: %v", err)
			}
			logs := f.logs(t)
			if len(logs) != 2 {
				t.Fatalf("expected lookup and outcome logs, got %+v", logs)
			}
			if logs[0].Message != `Searching for "Alice"` || logs[0].Outcome != "Querying..." {
				t.Fatalf("unexpected lookup log %+v", logs[0])
			}
			if logs[1].Outcome != tc.label {
				t.Fatalf("expected %q, got %q", tc.label, logs[1].Outcome)
			}
			msg, _ := f.store.GetMessage(context.Background(), "m1")
			if len(msg.GroundingSources) != len(tc.sources) {
				t.Fatalf("unexpected sources %+v", msg.GroundingSources)
			}
		})
	}
}

func TestProcessSinkFailureKeepsOutcome(t *testing.T) {
	f := newTriageFixture(t, func(context.Context, ai.Request) (ai.Result, error) {
		return ai.Result{Text: "ESCALATE: needs a human"}, nil
	})
	f.sink.failing = true
	f.addMessage(t, "m1", "Alice", "help")

	out, err := f.triage.Process(context.Background(), "m1", nil)
	if err != nil || out.Status != models.MessageEscalated {
		t.Fatalf("expected Escalated despite sink failure, got %+v err=%v", out, err)
	}
}

func TestProcessStalledSinkDoesNotHoldMessage(t *testing.T) {
	f := newTriageFixture(t, func(context.Context, ai.Request) (ai.Result, error) {
		return ai.Result{Text: "ESCALATE: needs a human"}, nil
	})
	stalled := stalledAlerter{release: make(chan struct{})}
	defer close(stalled.release)
	f.triage.Effects.Alerter = stalled
	f.triage.Effects.Timeout = 50 * time.Millisecond
	f.addMessage(t, "m1", "Alice", "help")

	start := time.Now()
	out, err := f.triage.Process(context.Background(), "m1", nil)
	if err != nil || out.Status != models.MessageEscalated {
		t.Fatalf("expected Escalated, got %+v err=%v", out, err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("process waited %v on a stalled alert sink", elapsed)
	}
	if len(f.sink.notes) != 1 {
		t.Fatalf("expected the notification to go out, got %v", f.sink.notes)
	}
}

func TestProcessFinishesAfterCallerCancels(t *testing.T) {
	f := newTriageFixture(t, func(ctx context.Context, _ ai.Request) (ai.Result, error) {
		select {
		case <-time.After(100 * time.Millisecond):
			return ai.Result{Text: "Yes, there is a coffee maker available for your use."}, nil
		case <-ctx.Done():
			return ai.Result{}, ctx.Err()
		}
	})
	f.addMessage(t, "m1", "Alice", "Is there a coffee maker?")

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	defer cancel()
	out, err := f.triage.Process(ctx, "m1", cottageBooking)
	if err != nil || out.Status != models.MessageResponded {
		t.Fatalf("expected Responded, got %+v err=%v", out, err)
	}
	msg, _ := f.store.GetMessage(context.Background(), "m1")
	if msg.Status != models.MessageResponded {
		t.Fatalf("expected Responded, got %s", msg.Status)
	}
}

func TestProcessNewLeavesMessagesNewWhenCancelled(t *testing.T) {
	var calls int32
	f := newTriageFixture(t, func(context.Context, ai.Request) (ai.Result, error) {
		atomic.AddInt32(&calls, 1)
		return ai.Result{Text: "Hi!"}, nil
	})
	f.addMessage(t, "m1", "Alice", "hello")
	f.addMessage(t, "m2", "Alice", "hello again")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary, err := f.triage.ProcessNew(ctx)
	if err != nil {
		t.Fatalf("process new: %v", err)
	}
	if calls != 0 || summary.Counts["skipped"] != 2 {
		t.Fatalf("expected both messages skipped, calls=%d counts=%v", calls, summary.Counts)
	}
	ids, _ := f.store.ListMessageIDsByStatus(context.Background(), models.MessageNew)
	if len(ids) != 2 {
		t.Fatalf("expected both messages to stay New, got %v", ids)
	}
}

func TestProcessNewFailsStaleClaims(t *testing.T) {
	f := newTriageFixture(t, func(context.Context, ai.Request) (ai.Result, error) {
		return ai.Result{Text: "Check-in is usually after 3 PM."}, nil
	})
	clock := time.Date(2024, 7, 20, 12, 0, 0, 0, time.UTC)
	f.store.Now = func() time.Time { return clock }
	f.triage.StaleAfter = 10 * time.Minute
	f.addMessage(t, "stuck", "Bob", "is the pool open?")
	// Claimed by a worker that never finished it.
	if _, _, err := f.store.ClaimMessage(context.Background(), "stuck"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	clock = clock.Add(11 * time.Minute)
	f.addMessage(t, "m1", "Alice", "when is check-in")

	summary, err := f.triage.ProcessNew(context.Background())
	if err != nil {
		t.Fatalf("process new: %v", err)
	}
	if summary.Counts["stale_failed"] != 1 {
		t.Fatalf("expected one stale message, got %v", summary.Counts)
	}
	stuck, _ := f.store.GetMessage(context.Background(), "stuck")
	if stuck.Status != models.MessageFailed {
		t.Fatalf("expected stuck message Failed, got %s", stuck.Status)
	}
	m1, _ := f.store.GetMessage(context.Background(), "m1")
	if m1.Status != models.MessageResponded {
		t.Fatalf("expected m1 Responded, got %s", m1.Status)
	}
	var failedLog bool
	for _, e := range f.logs(t) {
		if e.Message == "Processing message from Bob" && e.Outcome == "Failed" {
			failedLog = true
		}
	}
	if !failedLog {
		t.Fatalf("expected a Failed log for the stale message, got %+v", f.logs(t))
	}
}

func TestProcessNewIsolatesFailures(t *testing.T) {
	f := newTriageFixture(t, func(_ context.Context, req ai.Request) (ai.Result, error) {
		if strings.Contains(req.Content, "boom") {
			panic("classifier exploded")
		}
		if strings.Contains(req.Content, "fail") {
			return ai.Result{}, errors.New("model unavailable")
		}
		return ai.Result{Text: "Check-in is usually after 3 PM."}, nil
	})
	f.addMessage(t, "m1", "Alice", "when is check-in")
	f.addMessage(t, "m2", "Alice", "please fail")
	f.addMessage(t, "m3", "Alice", "boom")
	f.addMessage(t, "m4", "Alice", "check-in time?")

	summary, err := f.triage.ProcessNew(context.Background())
	if err != nil {
		t.Fatalf("process new: %v", err)
	}
	byStatus := summary.Counts["by_status"].(map[string]int)
	if byStatus[string(models.MessageResponded)] != 2 || byStatus[string(models.MessageFailed)] != 1 {
		t.Fatalf("unexpected status counts %v", byStatus)
	}
	if summary.Counts["errors"].(int) != 1 {
		t.Fatalf("expected the panic to be counted as one error, got %v", summary.Counts["errors"])
	}
	for _, id := range []string{"m1", "m4"} {
		msg, _ := f.store.GetMessage(context.Background(), id)
		if msg.Status != models.MessageResponded {
			t.Fatalf("%s: expected Responded, got %s", id, msg.Status)
		}
	}
	run, err := f.store.GetLatestRun(context.Background(), RunKindTriage)
	if err != nil || run.Status != RunStatusError {
		t.Fatalf("expected an ERROR triage run, got %+v err=%v", run, err)
	}
}

func TestDecideOutcomeLabels(t *testing.T) {
	msg := models.Message{ID: "m", GuestName: "Alice", Content: "hi"}
	cases := []struct {
		text  string
		label string
	}{
		{"I understand you're asking about canceling your reservation.", "Cancellation Request"},
		{"Check-in is usually after 3 PM. The lockbox code will be sent on the day of arrival.", "Provided Check-in Instructions"},
		{"I understand you're asking about early check-in or late check-out.", "Check-in/Out Request"},
		{"Your booking is confirmed for July.", "Booking Confirmed"},
		{"Yes, a hairdryer is located in the bathroom vanity.", "Responded"},
	}
	for _, tc := range cases {
		d := Decide(msg, nil, ai.Result{Text: tc.text}, false)
		if d.Status != models.MessageResponded || d.Sources != nil {
			t.Fatalf("unexpected decision %+v", d)
		}
		if len(d.Effects) != 1 || d.Effects[0].Outcome != tc.label {
			t.Fatalf("text %q: expected %q, got %+v", tc.text, tc.label, d.Effects)
		}
	}
}

func TestDecideRoutesTaskPrefixFirst(t *testing.T) {
	d := Decide(models.Message{GuestName: "Alice"}, nil, ai.Result{Text: "ESCALATE_TASK: Replace bulb."}, false)
	if d.Route != RouteTask || d.Task == nil || d.Task.Description != "Replace bulb." || d.Task.Property != models.UnknownProperty {
		t.Fatalf("unexpected decision %+v", d)
	}
	if len(d.Effects) != 0 {
		t.Fatalf("task effects depend on dispatch and must not be decided yet")
	}
}

func TestParseRoute(t *testing.T) {
	cases := []struct {
		text  string
		route Route
		rest  string
	}{
		{"ESCALATE_TASK:  Fix slow water leak under the kitchen sink. ", RouteTask, "Fix slow water leak under the kitchen sink."},
		{"ESCALATE:Noise complaint", RouteEscalation, "Noise complaint"},
		{"  ESCALATE: not at the start", RouteDirect, "  ESCALATE: not at the start"},
		{"\nESCALATE_TASK: not at the start", RouteDirect, "\nESCALATE_TASK: not at the start"},
		{"Hello there.\n", RouteDirect, "Hello there.\n"},
	}
	for _, tc := range cases {
		route, rest := ParseRoute(tc.text)
		if route != tc.route || rest != tc.rest {
			t.Fatalf("%q: expected %v %q, got %v %q", tc.text, tc.route, tc.rest, route, rest)
		}
	}
}

func TestProcessStoresDirectReplyVerbatim(t *testing.T) {
	f := newTriageFixture(t, func(context.Context, ai.Request) (ai.Result, error) {
		return ai.Result{Text: "  ESCALATE: the model indented this\n"}, nil
	})
	f.addMessage(t, "m1", "Alice", "hello")

	if _, err := f.triage.Process(context.Background(), "m1", cottageBooking); err != nil {
		t.Fatalf("process: %v", err)
	}
	msg, _ := f.store.GetMessage(context.Background(), "m1")
	if msg.Status != models.MessageResponded || msg.AIResponse != "  ESCALATE: the model indented this\n" {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestNeedsLookup(t *testing.T) {
	if !NeedsLookup("What are the OPEN HOURS of the museum?") {
		t.Fatalf("expected case-insensitive match")
	}
	if NeedsLookup("The sink is leaking") {
		t.Fatalf("unexpected lookup")
	}
}
