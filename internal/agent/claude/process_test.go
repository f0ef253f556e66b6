package claude

import (
	"testing"
	"time"
)

func TestProcessDeliveryUnblocksOnClose(t *testing.T) {
	// Once the consumer is gone the buffer eventually fills; Close must
	// release the read loop so the process can be reaped.
	q := &procQuery{
		events:  make(chan Envelope, 1),
		done:    make(chan struct{}),
		pending: make(map[string]chan *ControlResponse),
	}
	q.deliver(&Envelope{Type: typeSystem})

	unblocked := make(chan struct{})
	go func() {
		q.deliver(&Envelope{Type: typeAssistant})
		close(unblocked)
	}()
	select {
	case <-unblocked:
		t.Fatal("delivery must block while the buffer is full")
	case <-time.After(50 * time.Millisecond):
	}

	if err := q.Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-unblocked:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery still blocked after Close")
	}

	// Repeat close is a no-op.
	if err := q.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestProcessCloseFailsPendingControl(t *testing.T) {
	q := &procQuery{
		events:  make(chan Envelope, 1),
		done:    make(chan struct{}),
		pending: make(map[string]chan *ControlResponse),
	}
	ch := make(chan *ControlResponse, 1)
	q.mu.Lock()
	q.pending["req_1"] = ch
	q.mu.Unlock()

	q.failPending()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("waiter got a response, want closed channel")
		}
	default:
		t.Fatal("waiter channel not closed")
	}
}
