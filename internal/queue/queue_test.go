package queue

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewInMemory(4)
	msgs, err := q.Consume(ctx)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}

	want := Message{Type: "export", Body: []byte("job-123")}
	if err := q.Publish(ctx, want); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-msgs:
		if got.Type != want.Type || string(got.Body) != string(want.Body) {
			t.Fatalf("got %+v, want %+v", got, want)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestInMemoryPublishCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	q := NewInMemory(0)
	if err := q.Publish(ctx, Message{Type: "export"}); err == nil {
		t.Fatal("expected error publishing on cancelled context")
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	msg := Message{Type: "export", Body: []byte("id|with|pipes")}
	got, ok := deserialize(serialize(msg))
	if !ok {
		t.Fatal("deserialize failed")
	}
	if got.Type != msg.Type || string(got.Body) != string(msg.Body) {
		t.Fatalf("got %+v, want %+v", got, msg)
	}
}

func TestDeserializeWithoutSeparator(t *testing.T) {
	msg, ok := deserialize("bare-payload")
	if !ok {
		t.Fatal("payload without separator should still be accepted")
	}
	if msg.Type != "" || string(msg.Body) != "bare-payload" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}
