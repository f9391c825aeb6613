package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smallbiznis/depotsync/internal/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testEvent() event.Event {
	qty := 2.0
	return event.Event{
		TenantID:   "t1",
		AccountRef: "acc-a",
		ProductRef: "SKU-1",
		EventID:    "ORD-9-product-SKU-1",
		DepositID:  10,
		Quantity:   &qty,
		Kind:       event.KindSale,
	}
}

func TestJobID_StableAcrossRedelivery(t *testing.T) {
	first := JobID(testEvent())
	second := JobID(testEvent())
	assert.Equal(t, first, second)
	assert.Len(t, first, 64)
}

func TestJobID_DistinguishesTenants(t *testing.T) {
	a := testEvent()
	b := testEvent()
	b.TenantID = "t2"
	assert.NotEqual(t, JobID(a), JobID(b))
}

func TestJobID_DistinguishesQuantities(t *testing.T) {
	a := testEvent()
	b := testEvent()
	other := 3.0
	b.Quantity = &other
	assert.NotEqual(t, JobID(a), JobID(b))
}

func TestInlineDispatcher_RunsHandler(t *testing.T) {
	done := make(chan event.Event, 1)
	d := NewInlineDispatcher(zap.NewNop(), func(ctx context.Context, evt event.Event) error {
		done <- evt
		return nil
	}, nil)

	require.NoError(t, d.Enqueue(context.Background(), testEvent()))

	select {
	case evt := <-done:
		assert.Equal(t, "t1", evt.TenantID)
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestInlineDispatcher_SurvivesCallerContextCancel(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	seen := make(chan error, 1)

	d := NewInlineDispatcher(zap.NewNop(), func(ctx context.Context, evt event.Event) error {
		close(started)
		<-release
		seen <- ctx.Err()
		return nil
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Enqueue(ctx, testEvent()))

	<-started
	cancel()
	close(release)

	select {
	case err := <-seen:
		// The handler context is detached from the request context.
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("handler did not finish")
	}
}

func TestInlineDispatcher_AbsorbsHandlerError(t *testing.T) {
	done := make(chan struct{})
	d := NewInlineDispatcher(zap.NewNop(), func(ctx context.Context, evt event.Event) error {
		close(done)
		return errors.New("boom")
	}, nil)

	require.NoError(t, d.Enqueue(context.Background(), testEvent()))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestBackoff_DoublesPerAttempt(t *testing.T) {
	assert.Equal(t, 2*time.Second, backoffFor(0))
	assert.Equal(t, 4*time.Second, backoffFor(1))
	assert.Equal(t, 8*time.Second, backoffFor(2))

	// A failing job gets three retries after the initial attempt, so every
	// backoff leg up to 8s is reachable before dead-lettering.
	assert.Equal(t, 3, maxRetries)
	assert.Equal(t, 8*time.Second, backoffFor(maxRetries-1))
}
