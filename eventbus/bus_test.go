package eventbus

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPublishRecv(t *testing.T) {
	bus := New[int](4)
	defer bus.Close()

	sub := bus.Subscribe()
	defer sub.Close()

	bus.Publish(42)

	value, err := sub.Recv(context.Background())
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if value != 42 {
		t.Errorf("value = %d, want 42", value)
	}
}

func TestFanOut(t *testing.T) {
	bus := New[string](4)
	defer bus.Close()

	first := bus.Subscribe()
	defer first.Close()
	second := bus.Subscribe()
	defer second.Close()

	bus.Publish("hello")

	for _, sub := range []*Subscription[string]{first, second} {
		value, err := sub.Recv(context.Background())
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if value != "hello" {
			t.Errorf("value = %q, want %q", value, "hello")
		}
	}
}

func TestSubscribeMissesEarlierEvents(t *testing.T) {
	bus := New[int](4)
	defer bus.Close()

	bus.Publish(1)

	sub := bus.Subscribe()
	defer sub.Close()

	bus.Publish(2)

	value, err := sub.Recv(context.Background())
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if value != 2 {
		t.Errorf("value = %d, want 2", value)
	}
}

func TestSlowSubscriberLags(t *testing.T) {
	bus := New[int](2)
	defer bus.Close()

	sub := bus.Subscribe()
	defer sub.Close()

	for i := 1; i <= 5; i++ {
		bus.Publish(i)
	}

	_, err := sub.Recv(context.Background())
	var lag *LagError
	if !errors.As(err, &lag) {
		t.Fatalf("err = %v, want LagError", err)
	}
	if lag.Count != 3 {
		t.Errorf("Count = %d, want 3", lag.Count)
	}

	// After reporting lag the subscriber resumes at the oldest retained
	// event.
	for _, want := range []int{4, 5} {
		value, err := sub.Recv(context.Background())
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if value != want {
			t.Errorf("value = %d, want %d", value, want)
		}
	}
}

func TestRecvContextCanceled(t *testing.T) {
	bus := New[int](4)
	defer bus.Close()

	sub := bus.Subscribe()
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := sub.Recv(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestRecvAfterClose(t *testing.T) {
	bus := New[int](4)
	defer bus.Close()

	sub := bus.Subscribe()
	sub.Close()

	_, err := sub.Recv(context.Background())
	if !errors.Is(err, ErrSubscriptionClosed) {
		t.Errorf("err = %v, want ErrSubscriptionClosed", err)
	}
}

func TestPublishAfterSubscriberClose(t *testing.T) {
	bus := New[int](4)
	defer bus.Close()

	sub := bus.Subscribe()
	sub.Close()
	sub.Close()

	// Must not panic on the closed channel.
	bus.Publish(7)
}
