package relay

import (
	"context"
	"testing"

	"referralchat/app/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func message(threadID string, seq int64) model.Message {
	return model.Message{
		ID:       threadID + "-msg",
		Seq:      seq,
		ThreadID: threadID,
		Author:   model.AuthorAssistant,
		Body:     "reply",
	}
}

func TestHubDeliversToThreadSubscribersOnly(t *testing.T) {
	hub := NewHub(4)
	defer hub.Shutdown()

	first, err := hub.Subscribe("t1")
	require.NoError(t, err)
	defer first.Close()

	second, err := hub.Subscribe("t1")
	require.NoError(t, err)
	defer second.Close()

	other, err := hub.Subscribe("t2")
	require.NoError(t, err)
	defer other.Close()

	require.NoError(t, hub.Publish(context.Background(), message("t1", 7)))

	for _, sub := range []*Subscription{first, second} {
		select {
		case ev := <-sub.Events():
			assert.Equal(t, EventMessage, ev.Kind)
			assert.Equal(t, "t1", ev.ThreadID)
			assert.Equal(t, int64(7), ev.Seq)
			assert.Equal(t, model.AuthorAssistant, ev.Author)
			assert.False(t, ev.Lagged)
		default:
			t.Fatal("expected an event")
		}
	}

	select {
	case ev := <-other.Events():
		t.Fatalf("unexpected cross-thread event %+v", ev)
	default:
	}
}

func TestHubOverflowKeepsNewestAndFlagsLag(t *testing.T) {
	hub := NewHub(2)
	defer hub.Shutdown()

	sub, err := hub.Subscribe("t1")
	require.NoError(t, err)
	defer sub.Close()

	for seq := int64(1); seq <= 3; seq++ {
		require.NoError(t, hub.Publish(context.Background(), message("t1", seq)))
	}

	ev := <-sub.Events()
	assert.Equal(t, int64(2), ev.Seq)
	assert.False(t, ev.Lagged)

	ev = <-sub.Events()
	assert.Equal(t, int64(3), ev.Seq)
	assert.True(t, ev.Lagged)
}

func TestHubCloseStopsDelivery(t *testing.T) {
	hub := NewHub(2)
	defer hub.Shutdown()

	sub, err := hub.Subscribe("t1")
	require.NoError(t, err)
	assert.Equal(t, 1, hub.SubscriberCount("t1"))

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, hub.SubscriberCount("t1"))

	_, open := <-sub.Events()
	assert.False(t, open)

	require.NoError(t, hub.Publish(context.Background(), message("t1", 1)))
}

func TestHubBroadcastResync(t *testing.T) {
	hub := NewHub(2)
	defer hub.Shutdown()

	a, err := hub.Subscribe("t1")
	require.NoError(t, err)
	defer a.Close()
	b, err := hub.Subscribe("t2")
	require.NoError(t, err)
	defer b.Close()

	hub.Broadcast()

	evA := <-a.Events()
	evB := <-b.Events()
	assert.Equal(t, Event{Kind: EventResync, ThreadID: "t1"}, evA)
	assert.Equal(t, Event{Kind: EventResync, ThreadID: "t2"}, evB)
}

func TestHubShutdownClosesSubscriptions(t *testing.T) {
	hub := NewHub(2)

	sub, err := hub.Subscribe("t1")
	require.NoError(t, err)

	require.NoError(t, hub.Shutdown())

	_, open := <-sub.Events()
	assert.False(t, open)
	sub.Close()

	late, err := hub.Subscribe("t1")
	require.NoError(t, err)
	_, open = <-late.Events()
	assert.False(t, open)
}

func TestChannelName(t *testing.T) {
	name := ChannelName("0b7c1c1e-7a43-4a35-9b0a-2f8f2b1f0c11")

	assert.Len(t, name, len("thread_")+40)
	assert.Equal(t, name, ChannelName("0b7c1c1e-7a43-4a35-9b0a-2f8f2b1f0c11"))
	assert.NotEqual(t, name, ChannelName("another"))
}
