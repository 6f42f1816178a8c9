package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func newTestQueue(t *testing.T, cfg Config) *FileQueue {
	t.Helper()
	cfg.Dir = t.TempDir()
	q, err := NewFileQueue(cfg)
	if err != nil {
		t.Fatalf("NewFileQueue() error: %v", err)
	}
	return q
}

func TestPublishReceiveAck(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	data, _ := json.Marshal(map[string]string{"target_ip": "10.0.0.1"})
	id, err := q.Publish(ctx, Envelope{ScanID: "scan1", Data: data})
	if err != nil {
		t.Fatalf("Publish() error: %v", err)
	}
	if id == "" {
		t.Fatal("Publish() returned empty message id")
	}

	msg, err := q.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error: %v", err)
	}
	if msg == nil {
		t.Fatal("Receive() = nil, want message")
	}
	if msg.Envelope.ScanID != "scan1" {
		t.Errorf("ScanID = %q", msg.Envelope.ScanID)
	}
	if msg.Status != StatusProcessing || msg.Attempts != 1 {
		t.Errorf("claimed message = %+v", msg)
	}

	// A claimed message is invisible to other consumers.
	if again, _ := q.Receive(ctx); again != nil {
		t.Errorf("Receive() after claim = %+v, want nil", again)
	}

	if err := q.Ack(msg.ID); err != nil {
		t.Fatalf("Ack() error: %v", err)
	}
	if n, _ := q.Len(); n != 0 {
		t.Errorf("Len() after ack = %d, want 0", n)
	}
}

func TestReceive_EmptyQueue(t *testing.T) {
	q := newTestQueue(t, Config{})
	msg, err := q.Receive(context.Background())
	if err != nil {
		t.Fatalf("Receive() error: %v", err)
	}
	if msg != nil {
		t.Errorf("Receive() = %+v, want nil", msg)
	}
}

func TestReceive_OldestFirst(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	for _, id := range []string{"first", "second", "third"} {
		if _, err := q.Publish(ctx, Envelope{ScanID: id}); err != nil {
			t.Fatal(err)
		}
		time.Sleep(2 * time.Millisecond) // distinct enqueue timestamps
	}

	for _, want := range []string{"first", "second", "third"} {
		msg, err := q.Receive(ctx)
		if err != nil || msg == nil {
			t.Fatalf("Receive() = %v, %v", msg, err)
		}
		if msg.Envelope.ScanID != want {
			t.Errorf("ScanID = %q, want %q", msg.Envelope.ScanID, want)
		}
		if err := q.Ack(msg.ID); err != nil {
			t.Fatal(err)
		}
	}
}

func TestNack_BackoffThenRedelivery(t *testing.T) {
	q := newTestQueue(t, Config{BaseDelay: 20 * time.Millisecond, MaxAttempts: 5})
	ctx := context.Background()

	if _, err := q.Publish(ctx, Envelope{ScanID: "retry-me"}); err != nil {
		t.Fatal(err)
	}
	msg, _ := q.Receive(ctx)
	if msg == nil {
		t.Fatal("expected message")
	}
	if err := q.Nack(msg.ID, "stage failed"); err != nil {
		t.Fatalf("Nack() error: %v", err)
	}

	// Backoff keeps the message invisible for a while.
	if again, _ := q.Receive(ctx); again != nil {
		t.Errorf("Receive() during backoff = %+v, want nil", again)
	}

	time.Sleep(30 * time.Millisecond)
	again, err := q.Receive(ctx)
	if err != nil || again == nil {
		t.Fatalf("Receive() after backoff = %v, %v", again, err)
	}
	if again.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", again.Attempts)
	}
	if again.LastError != "stage failed" {
		t.Errorf("LastError = %q", again.LastError)
	}
}

func TestNack_ExhaustedAttemptsMarkFailed(t *testing.T) {
	q := newTestQueue(t, Config{BaseDelay: time.Millisecond, MaxAttempts: 2})
	ctx := context.Background()

	if _, err := q.Publish(ctx, Envelope{ScanID: "doomed"}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		msg, _ := q.Receive(ctx)
		if msg == nil {
			t.Fatalf("Receive() attempt %d = nil", i+1)
		}
		if err := q.Nack(msg.ID, "persistent failure"); err != nil {
			t.Fatal(err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Failed messages are never redelivered.
	if msg, _ := q.Receive(ctx); msg != nil {
		t.Errorf("Receive() after exhaustion = %+v, want nil", msg)
	}

	failed, err := q.ListFailed()
	if err != nil {
		t.Fatalf("ListFailed() error: %v", err)
	}
	if len(failed) != 1 || failed[0].Envelope.ScanID != "doomed" {
		t.Errorf("ListFailed() = %+v", failed)
	}
}

func TestRequeue_FailedMessage(t *testing.T) {
	q := newTestQueue(t, Config{BaseDelay: time.Millisecond, MaxAttempts: 1})
	ctx := context.Background()

	if _, err := q.Publish(ctx, Envelope{ScanID: "revived"}); err != nil {
		t.Fatal(err)
	}
	msg, _ := q.Receive(ctx)
	if err := q.Nack(msg.ID, "boom"); err != nil {
		t.Fatal(err)
	}

	failed, _ := q.ListFailed()
	if len(failed) != 1 {
		t.Fatalf("ListFailed() = %+v", failed)
	}

	if err := q.Requeue(failed[0].ID); err != nil {
		t.Fatalf("Requeue() error: %v", err)
	}
	again, err := q.Receive(ctx)
	if err != nil || again == nil {
		t.Fatalf("Receive() after requeue = %v, %v", again, err)
	}
	if again.Attempts != 1 || again.LastError != "" {
		t.Errorf("requeued message = %+v", again)
	}
}

func TestVisibilityTimeout_Reclaim(t *testing.T) {
	q := newTestQueue(t, Config{VisibilityTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	if _, err := q.Publish(ctx, Envelope{ScanID: "abandoned"}); err != nil {
		t.Fatal(err)
	}
	first, _ := q.Receive(ctx)
	if first == nil {
		t.Fatal("expected message")
	}

	// Consumer dies without ack or nack; after the visibility timeout
	// the message is claimable again.
	time.Sleep(30 * time.Millisecond)
	second, err := q.Receive(ctx)
	if err != nil || second == nil {
		t.Fatalf("Receive() after visibility timeout = %v, %v", second, err)
	}
	if second.ID != first.ID {
		t.Errorf("reclaimed different message: %s vs %s", second.ID, first.ID)
	}
	if second.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", second.Attempts)
	}
}

// Messages survive process restarts: a fresh queue over the same
// directory sees what an earlier instance published.
func TestDurability_AcrossInstances(t *testing.T) {
	dir := t.TempDir()
	first, err := NewFileQueue(Config{Dir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := first.Publish(context.Background(), Envelope{ScanID: "persistent"}); err != nil {
		t.Fatal(err)
	}

	second, err := NewFileQueue(Config{Dir: dir})
	if err != nil {
		t.Fatal(err)
	}
	msg, err := second.Receive(context.Background())
	if err != nil || msg == nil {
		t.Fatalf("Receive() on new instance = %v, %v", msg, err)
	}
	if msg.Envelope.ScanID != "persistent" {
		t.Errorf("ScanID = %q", msg.Envelope.ScanID)
	}
}
