package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker() *Broker {
	return &Broker{subscribers: make(map[chan []byte]AppFilter), logger: testLogger()}
}

func receive(t *testing.T, ch chan []byte) string {
	t.Helper()
	select {
	case got := <-ch:
		return string(got)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timed out waiting for event")
		return ""
	}
}

func TestBrokerFanOut(t *testing.T) {
	b := newTestBroker()
	ch1 := b.Subscribe(nil)
	ch2 := b.Subscribe(nil)

	b.broadcast("cm_events", `{"app":"sales","id":"FLOW2001"}`)
	want := "event: cm_events\ndata: {\"app\":\"sales\",\"id\":\"FLOW2001\"}\n\n"
	assert.Equal(t, want, receive(t, ch1))
	assert.Equal(t, want, receive(t, ch2))

	b.Unsubscribe(ch1)
	b.broadcast("cm_events", `{"app":"sales","id":"FLOW2002"}`)
	assert.Contains(t, receive(t, ch2), "FLOW2002")
	b.Unsubscribe(ch2)
}

func TestBrokerFiltersByApp(t *testing.T) {
	b := newTestBroker()
	sales := b.Subscribe(func(app string) bool { return app == "sales" })
	defer b.Unsubscribe(sales)

	b.broadcast("cm_events", `{"app":"hr","id":"FLOW2001"}`)
	b.broadcast("cm_events", `{"app":"sales","id":"FLOW2002"}`)
	assert.Contains(t, receive(t, sales), "FLOW2002")
	require.Empty(t, sales)
}

func TestBrokerSlowSubscriber(t *testing.T) {
	b := newTestBroker()
	slow := b.Subscribe(nil)
	fast := b.Subscribe(nil)

	for range 65 {
		b.broadcast("cm_events", `{"app":"a"}`)
	}
	for range 64 {
		<-fast
	}
	b.broadcast("cm_events", `{"app":"a","after":true}`)
	assert.Contains(t, receive(t, fast), "after")

	b.Unsubscribe(slow)
	b.Unsubscribe(fast)
}
