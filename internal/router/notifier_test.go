package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPublishDatasetReachesMatchingSubscriber(t *testing.T) {
	n := NewNotifier(4)
	sub := n.Subscribe("runtime", "ds-1")
	defer n.Unsubscribe("runtime")

	n.PublishDataset("ds-1", "manifest published")

	ev := <-sub.Ch
	assert.Equal(t, ScopeDataset, ev.Scope)
	assert.Equal(t, "ds-1", ev.DatasetID)
	assert.Equal(t, "manifest published", ev.Reason)
	assert.NotZero(t, ev.Timestamp)
}

func TestPublishDatasetSkipsOtherDatasets(t *testing.T) {
	n := NewNotifier(4)
	sub := n.Subscribe("runtime", "ds-1")
	defer n.Unsubscribe("runtime")

	n.PublishDataset("ds-2", "elsewhere")

	assert.Empty(t, sub.Ch)
}

func TestGlobalAlwaysDelivered(t *testing.T) {
	n := NewNotifier(4)
	sub := n.Subscribe("runtime", "ds-1")
	defer n.Unsubscribe("runtime")

	n.PublishGlobal("schema migration")

	ev := <-sub.Ch
	assert.Equal(t, ScopeGlobal, ev.Scope)
	assert.Empty(t, ev.DatasetID)
}

func TestUnfilteredSubscriberReceivesEverything(t *testing.T) {
	n := NewNotifier(4)
	sub := n.Subscribe("audit")
	defer n.Unsubscribe("audit")

	n.PublishDataset("ds-1", "a")
	n.PublishDataset("ds-2", "b")

	assert.Len(t, sub.Ch, 2)
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	n := NewNotifier(1)
	sub := n.Subscribe("slow")
	defer n.Unsubscribe("slow")

	// Second publish must not block even though the channel is full.
	n.PublishDataset("ds-1", "first")
	n.PublishDataset("ds-1", "second")

	assert.Len(t, sub.Ch, 1)
	ev := <-sub.Ch
	assert.Equal(t, "first", ev.Reason)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	n := NewNotifier(4)
	sub := n.Subscribe("runtime")
	n.Unsubscribe("runtime")

	_, ok := <-sub.Ch
	assert.False(t, ok)

	// Publishing after unsubscribe is a no-op.
	n.PublishGlobal("late")
}
