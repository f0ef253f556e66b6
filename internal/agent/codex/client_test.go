package codex

import (
	"testing"
	"time"
)

func TestClientDeliveryUnblocksOnClose(t *testing.T) {
	// A notification arriving after the consumer stopped must not wedge the
	// read loop once the buffer fills; Close releases it.
	c := &procClient{
		notifs: make(chan rpcMessage, 1),
		done:   make(chan struct{}),
		calls:  make(map[string]chan *rpcMessage),
	}
	c.deliver(&rpcMessage{Method: methodTurnStarted})

	unblocked := make(chan struct{})
	go func() {
		c.deliver(&rpcMessage{Method: methodTurnCompleted})
		close(unblocked)
	}()
	select {
	case <-unblocked:
		t.Fatal("delivery must block while the buffer is full")
	case <-time.After(50 * time.Millisecond):
	}

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-unblocked:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery still blocked after Close")
	}
}
