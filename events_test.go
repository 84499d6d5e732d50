package portal

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitterDeliversInSubscriptionOrder(t *testing.T) {
	e := NewEmitter()
	var got []string

	e.Subscribe(func(ev Event) { got = append(got, "a:"+string(ev.Name)) })
	e.Subscribe(func(ev Event) { got = append(got, "b:"+string(ev.Name)) })

	e.Emit(Event{Name: EventConnected})

	assert.Equal(t, []string{"a:connected", "b:connected"}, got)
}

func TestEmitterUnsubscribe(t *testing.T) {
	e := NewEmitter()
	var count int32

	unsubscribe := e.Subscribe(func(Event) { atomic.AddInt32(&count, 1) })
	e.Emit(Event{Name: EventRequestStart})
	unsubscribe()
	unsubscribe()
	e.Emit(Event{Name: EventRequestStart})

	assert.Equal(t, int32(1), atomic.LoadInt32(&count))
	assert.Equal(t, 0, e.Len())
}

func TestEmitterStampsTime(t *testing.T) {
	e := NewEmitter()
	var ev Event
	e.Subscribe(func(got Event) { ev = got })

	e.Emit(Event{Origin: OriginHTTP, Name: EventRequestSuccess})

	assert.False(t, ev.Time.IsZero())
	assert.Equal(t, "http.requestSuccess", ev.Key())
}

func TestEmitterCloseWaitsForDelivery(t *testing.T) {
	e := NewEmitter()
	entered := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool

	e.Subscribe(func(Event) {
		close(entered)
		<-release
		finished.Store(true)
	})

	go e.Emit(Event{Name: EventDisconnected})
	<-entered

	closed := make(chan struct{})
	go func() {
		e.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while a listener was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return after the listener finished")
	}
	assert.True(t, finished.Load())

	var after int32
	e.Subscribe(func(Event) { atomic.AddInt32(&after, 1) })
	e.Emit(Event{Name: EventConnected})
	assert.Equal(t, int32(0), atomic.LoadInt32(&after))
}

func TestEmitterNestedEmitDuringClose(t *testing.T) {
	e := NewEmitter()
	entered := make(chan struct{})
	release := make(chan struct{})

	e.Subscribe(func(ev Event) {
		if ev.Name != EventRequestStart {
			return
		}
		close(entered)
		<-release
		e.Emit(Event{Name: EventRequestSuccess})
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.Emit(Event{Name: EventRequestStart})
	}()
	<-entered

	done := make(chan struct{})
	go func() {
		e.Close()
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("nested emit deadlocked Close")
	}
	wg.Wait()
}

func TestForwardRewritesOrigin(t *testing.T) {
	src := NewEmitter()
	dst := NewEmitter()
	var got []Event
	dst.Subscribe(func(ev Event) { got = append(got, ev) })

	unlink := forward(src, dst, OriginAuth)
	src.Emit(Event{Name: EventTokensUpdated})
	unlink()
	src.Emit(Event{Name: EventTokensUpdated})

	require.Len(t, got, 1)
	assert.Equal(t, OriginAuth, got[0].Origin)
	assert.Equal(t, EventTokensUpdated, got[0].Name)
}

func TestNilEmitterIsInert(t *testing.T) {
	var e *Emitter
	e.Emit(Event{Name: EventConnected})
	e.Subscribe(func(Event) {})()
	e.Close()
}
