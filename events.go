package portal

import (
	"sync"
	"time"
)

// EventName identifies an observable client event.
type EventName string

const (
	EventTokensUpdated          EventName = "tokensUpdated"
	EventAuthError              EventName = "authError"
	EventRequestStart           EventName = "requestStart"
	EventRequestSuccess         EventName = "requestSuccess"
	EventRequestError           EventName = "requestError"
	EventCircuitBreakerOpen     EventName = "circuitBreakerOpen"
	EventCircuitBreakerHalfOpen EventName = "circuitBreakerHalfOpen"
	EventCircuitBreakerClose    EventName = "circuitBreakerClose"
	EventConnected              EventName = "connected"
	EventDisconnected           EventName = "disconnected"
	EventReconnecting           EventName = "reconnecting"
	EventPush                   EventName = "event"
)

// Origin namespaces events by the component that produced them.
type Origin string

const (
	OriginAuth      Origin = "auth"
	OriginHTTP      Origin = "http"
	OriginWebSocket Origin = "websocket"
)

// Event is a single notification on the client event stream.
type Event struct {
	Origin Origin
	Name   EventName
	Time   time.Time
	Fields map[string]any
	Err    error
}

// Key returns the namespaced name, e.g. "http.requestStart".
func (e Event) Key() string {
	return string(e.Origin) + "." + string(e.Name)
}

// Listener receives events. Listeners run synchronously on the emitting
// goroutine and must not call Client.Dispose.
type Listener func(Event)

// Emitter is an explicit observer list. Subscribe returns the function that
// detaches the listener; Close detaches all of them and waits for in-progress
// deliveries, after which no listener is invoked again.
type Emitter struct {
	mu        sync.Mutex
	cond      *sync.Cond
	listeners map[uint64]Listener
	order     []uint64
	nextID    uint64
	active    int
	closed    bool
}

// NewEmitter creates an empty Emitter.
func NewEmitter() *Emitter {
	e := &Emitter{listeners: make(map[uint64]Listener)}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Subscribe registers l. The returned func is idempotent. Subscribing to a
// closed emitter is a no-op.
func (e *Emitter) Subscribe(l Listener) (unsubscribe func()) {
	if e == nil || l == nil {
		return func() {}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return func() {}
	}
	id := e.nextID
	e.nextID++
	e.listeners[id] = l
	e.order = append(e.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			if _, ok := e.listeners[id]; !ok {
				return
			}
			delete(e.listeners, id)
			for i, v := range e.order {
				if v == id {
					e.order = append(e.order[:i:i], e.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Emit delivers ev to every listener in subscription order.
func (e *Emitter) Emit(ev Event) {
	if e == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	e.mu.Lock()
	if e.closed || len(e.order) == 0 {
		e.mu.Unlock()
		return
	}
	snapshot := make([]Listener, 0, len(e.order))
	for _, id := range e.order {
		snapshot = append(snapshot, e.listeners[id])
	}
	e.active++
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.active--
		if e.active == 0 {
			e.cond.Broadcast()
		}
		e.mu.Unlock()
	}()

	for _, l := range snapshot {
		l(ev)
	}
}

// Len returns the number of attached listeners.
func (e *Emitter) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.order)
}

// Close detaches every listener and blocks until deliveries already in
// progress have returned.
func (e *Emitter) Close() {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.listeners = make(map[uint64]Listener)
	e.order = nil
	for e.active > 0 {
		e.cond.Wait()
	}
}

// forward re-emits every event of src on dst under origin.
func forward(src, dst *Emitter, origin Origin) func() {
	return src.Subscribe(func(ev Event) {
		ev.Origin = origin
		dst.Emit(ev)
	})
}
