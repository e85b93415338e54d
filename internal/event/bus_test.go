package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishSubscribeMatching(t *testing.T) {
	bus := NewBus()
	id, ch := bus.Subscribe("plugin.*", "")
	defer bus.Unsubscribe(id)

	bus.Publish(PublishRequest{Type: "plugin.installed", Data: "x"}.IntoCloudEvent("nexus://host"))
	bus.Publish(PublishRequest{Type: "extension.installed", Data: "y"}.IntoCloudEvent("nexus://host"))

	select {
	case e := <-ch:
		require.Equal(t, "plugin.installed", e.Type)
	case <-time.After(time.Second):
		t.Fatal("expected a matching event")
	}

	select {
	case e := <-ch:
		t.Fatalf("unexpected extra event: %+v", e)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	id, ch := bus.Subscribe("*", "")
	bus.Unsubscribe(id)

	_, ok := <-ch
	require.False(t, ok)
}

func TestSourcePatternFilter(t *testing.T) {
	bus := NewBus()
	id, ch := bus.Subscribe("*", "nexus://extension/com.test.a")
	defer bus.Unsubscribe(id)

	bus.Publish(PublishRequest{Type: "ping"}.IntoCloudEvent("nexus://extension/com.test.b"))
	bus.Publish(PublishRequest{Type: "ping"}.IntoCloudEvent("nexus://extension/com.test.a"))

	select {
	case e := <-ch:
		require.Equal(t, "nexus://extension/com.test.a", e.Source)
	case <-time.After(time.Second):
		t.Fatal("expected matching event from source a")
	}
}
