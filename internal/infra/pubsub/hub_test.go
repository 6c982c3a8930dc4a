package pubsub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	domain "github.com/bryanwahyu/osintscan/internal/domain/scans"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestHub_DeliversByScan(t *testing.T) {
	h := NewHub(4)
	ctx := context.Background()

	a, cancelA := h.Subscribe("scan-a")
	defer cancelA()
	b, cancelB := h.Subscribe("scan-b")
	defer cancelB()

	require.NoError(t, h.Publish(ctx, domain.Event{ScanID: "scan-a", Status: domain.StatusCompleted}))

	select {
	case evt := <-a:
		assert.Equal(t, domain.StatusCompleted, evt.Status)
	case <-time.After(time.Second):
		t.Fatal("no event for scan-a")
	}
	select {
	case evt := <-b:
		t.Fatalf("unexpected event for scan-b: %+v", evt)
	default:
	}
}

func TestHub_UnsubscribeClosesOnce(t *testing.T) {
	h := NewHub(1)
	ch, cancel := h.Subscribe("s")
	assert.Equal(t, 1, h.Subscribers("s"))

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, h.Subscribers("s"))

	// Publishing with nobody listening is fine.
	assert.NoError(t, h.Publish(context.Background(), domain.Event{ScanID: "s"}))
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(1)
	ch, cancel := h.Subscribe("s")
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			_ = h.Publish(context.Background(), domain.Event{ScanID: "s"})
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, ch, 1)
}

func TestHub_ConcurrentSubscribeAndPublish(t *testing.T) {
	h := NewHub(8)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, cancel := h.Subscribe("s")
			cancel()
		}()
		go func() {
			defer wg.Done()
			_ = h.Publish(context.Background(), domain.Event{ScanID: "s"})
		}()
	}
	wg.Wait()
	assert.Zero(t, h.Subscribers("s"))
}

func TestPGRelay_RelaysNotificationPayload(t *testing.T) {
	h := NewHub(1)
	r := NewPGRelay(nil, "", h)
	ch, cancel := h.Subscribe("scan-1")
	defer cancel()

	r.relay(context.Background(), `{"scan_id":"scan-1","status":"cancelled","credit_refund":2}`)
	r.relay(context.Background(), `not json`)

	evt := <-ch
	assert.Equal(t, domain.StatusCancelled, evt.Status)
	assert.Equal(t, int64(2), evt.Refund)
	assert.Len(t, ch, 0)
}
