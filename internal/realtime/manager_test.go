package realtime_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wer-inc/reservation-core/internal/realtime"
	"github.com/wer-inc/reservation-core/pkg/logger"
)

func newTestHub(t *testing.T) *realtime.Hub {
	t.Helper()
	hub := realtime.NewHub(logger.New("error"))
	go hub.Run()
	return hub
}

func TestBroadcast_DeliversToRegisteredClient(t *testing.T) {
	hub := newTestHub(t)
	client := &realtime.Client{ID: realtime.GenerateClientID(), Send: make(chan []byte, 4), Hub: hub}
	hub.EnqueueClientRegistration(client)

	hub.Broadcast(realtime.Transition{
		EventID:   "evt-1",
		TenantID:  "tenant-1",
		EventType: "BOOKING_CREATED",
		Status:    "completed",
		Attempts:  1,
	})

	select {
	case payload := <-client.Send:
		var got realtime.Transition
		require.NoError(t, json.Unmarshal(payload, &got))
		assert.Equal(t, "evt-1", got.EventID)
		assert.Equal(t, "completed", got.Status)
	case <-time.After(time.Second):
		t.Fatal("expected a broadcast transition, got none")
	}
}

func TestBroadcast_SkipsUnregisteredClients(t *testing.T) {
	hub := newTestHub(t)
	client := &realtime.Client{ID: realtime.GenerateClientID(), Send: make(chan []byte, 4), Hub: hub}
	// never registered

	hub.Broadcast(realtime.Transition{EventID: "evt-2", Status: "completed"})

	select {
	case <-client.Send:
		t.Fatal("unregistered client must never receive a broadcast")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBroadcast_DropsWhenClientBufferFull(t *testing.T) {
	hub := newTestHub(t)
	client := &realtime.Client{ID: realtime.GenerateClientID(), Send: make(chan []byte, 1), Hub: hub}
	hub.EnqueueClientRegistration(client)

	// Give the hub's Run loop a moment to process the registration before
	// filling the client's buffer out-of-band, since Broadcast and Run race
	// on the same client map under the hub's RWMutex.
	time.Sleep(50 * time.Millisecond)
	client.Send <- []byte("already queued")

	assert.NotPanics(t, func() {
		hub.Broadcast(realtime.Transition{EventID: "evt-3", Status: "completed"})
	})

	assert.Len(t, client.Send, 1, "the full buffer must still hold only the original message")
}

func TestUnregisterClient_ClosesSendChannel(t *testing.T) {
	hub := newTestHub(t)
	client := &realtime.Client{ID: realtime.GenerateClientID(), Send: make(chan []byte, 1), Hub: hub}
	hub.EnqueueClientRegistration(client)
	time.Sleep(50 * time.Millisecond)

	hub.UnregisterClient(client)

	select {
	case _, ok := <-client.Send:
		assert.False(t, ok, "Send channel must be closed after unregistration")
	case <-time.After(time.Second):
		t.Fatal("expected Send to be closed")
	}
}

func TestNotify_TranslatesHandlerErrorIntoTransitionError(t *testing.T) {
	hub := newTestHub(t)
	client := &realtime.Client{ID: realtime.GenerateClientID(), Send: make(chan []byte, 4), Hub: hub}
	hub.EnqueueClientRegistration(client)

	hub.Notify("evt-4", "tenant-1", "PAYMENT_COMPLETED", "dead_letter", 5, assert.AnError)

	select {
	case payload := <-client.Send:
		var got realtime.Transition
		require.NoError(t, json.Unmarshal(payload, &got))
		assert.Equal(t, "dead_letter", got.Status)
		assert.Equal(t, 5, got.Attempts)
		assert.Equal(t, assert.AnError.Error(), got.Error)
	case <-time.After(time.Second):
		t.Fatal("expected a broadcast transition from Notify, got none")
	}
}

func TestNotify_OmitsErrorFieldOnSuccess(t *testing.T) {
	hub := newTestHub(t)
	client := &realtime.Client{ID: realtime.GenerateClientID(), Send: make(chan []byte, 4), Hub: hub}
	hub.EnqueueClientRegistration(client)

	hub.Notify("evt-5", "tenant-1", "BOOKING_CREATED", "completed", 1, nil)

	select {
	case payload := <-client.Send:
		var got realtime.Transition
		require.NoError(t, json.Unmarshal(payload, &got))
		assert.Empty(t, got.Error)
	case <-time.After(time.Second):
		t.Fatal("expected a broadcast transition from Notify, got none")
	}
}
