package notify

import "testing"

type recordingSink struct {
	events []Event
}

func (r *recordingSink) Notify(ev Event) {
	r.events = append(r.events, ev)
}

func TestFanoutDeliversToEverySink(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	f := NewFanout(a, b)

	ev := Event{FlowID: "f1", WorkerID: "w1", Status: "completed", Reason: "converged"}
	f.Notify(ev)

	if len(a.events) != 1 || a.events[0] != ev {
		t.Fatalf("sink a did not receive event: %+v", a.events)
	}
	if len(b.events) != 1 || b.events[0] != ev {
		t.Fatalf("sink b did not receive event: %+v", b.events)
	}
}

func TestSlackSinkSkipsWithoutWebhookURL(t *testing.T) {
	s := NewSlackSink("", nil)
	// Must not panic or attempt a network call when unconfigured.
	s.Notify(Event{FlowID: "f1", WorkerID: "w1", Status: "failed", Reason: "max_iterations_reached"})
}
