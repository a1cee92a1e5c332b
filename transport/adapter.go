// Package transport owns the session's single push connection and
// multiplexes topic rooms and event handlers over it.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

var (
	ErrNotConnected = errors.New("transport: not connected")
	ErrUnauthorized = errors.New("transport: credential rejected")
	errSendTimeout  = errors.New("transport: send queue full")
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// StateChange is delivered to state handlers on every transition.
// Reconnect is set on a Connected change that follows an earlier
// connection; joined rooms did not survive the drop.
type StateChange struct {
	State     State
	Err       error
	Reconnect bool
}

type Settings struct {
	HandshakeTimeout time.Duration
	ReconnectTimeout time.Duration
	PingTimeout      time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	SendBuffer       int
}

func DefaultSettings() *Settings {
	return &Settings{
		HandshakeTimeout: 5 * time.Second,
		ReconnectTimeout: 5 * time.Second,
		PingTimeout:      10 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      30 * time.Second,
		SendBuffer:       32,
	}
}

// Handler receives the topic and raw data of a pushed event.
type Handler func(topic string, data []byte)

// Subscriber is the part of the adapter views may use. Closing the
// connection is reserved to the session.
type Subscriber interface {
	Join(topic string) error
	Leave(topic string) error
	On(event string, handler Handler) *Subscription
	OnState(handler func(StateChange)) *Subscription
	State() State
}

type frame struct {
	Type    string                 `json:"type"`
	Event   string                 `json:"event,omitempty"`
	Topic   string                 `json:"topic,omitempty"`
	Data    sonic.NoCopyRawMessage `json:"data,omitempty"`
	Message string                 `json:"message,omitempty"`
}

const (
	frameJoin  = "join"
	frameLeave = "leave"
	frameEvent = "event"
	frameError = "error"
)

type handlerEntry struct {
	fn Handler
}

type stateEntry struct {
	fn func(StateChange)
}

type connection struct {
	ctx  context.Context
	send chan []byte
}

// Adapter is a reconnecting push connection. Rooms are tracked per
// connection and are never re-joined by the adapter itself.
type Adapter struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	url        string
	credential string
	settings   *Settings
	logger     *log.Logger
	dialer     *websocket.Dialer

	mu            sync.Mutex
	state         State
	last          StateChange
	conn          *connection
	joins         map[string]int
	everConnected bool
	handlers      map[string][]*handlerEntry
	stateHandlers []*stateEntry
}

// Connect starts connecting in the background and returns immediately.
// Failures, including a rejected credential, are reported through state
// handlers only.
func Connect(ctx context.Context, url, credential string, settings *Settings, logger *log.Logger) *Adapter {
	if settings == nil {
		settings = DefaultSettings()
	}
	if settings.SendBuffer <= 0 {
		settings.SendBuffer = 1
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	cancelCtx, cancel := context.WithCancel(ctx)
	a := &Adapter{
		ctx:        cancelCtx,
		cancel:     cancel,
		done:       make(chan struct{}),
		url:        url,
		credential: credential,
		settings:   settings,
		logger:     logger,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: settings.HandshakeTimeout,
		},
		joins:    map[string]int{},
		handlers: map[string][]*handlerEntry{},
	}
	go a.run()
	return a
}

// Disconnect closes the connection and stops reconnecting. It is safe to
// call more than once.
func (a *Adapter) Disconnect() {
	a.cancel()
}

// Done is closed once the adapter has stopped for good.
func (a *Adapter) Done() <-chan struct{} {
	return a.done
}

func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// LastChange returns the most recent transition, including the error that
// caused a disconnect.
func (a *Adapter) LastChange() StateChange {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

// Join subscribes the connection to topic. Joins are counted; only the
// first sends a join frame.
func (a *Adapter) Join(topic string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != Connected || a.conn == nil {
		return ErrNotConnected
	}
	a.joins[topic]++
	if a.joins[topic] > 1 {
		return nil
	}
	if err := a.sendLocked(frame{Type: frameJoin, Topic: topic}); err != nil {
		delete(a.joins, topic)
		return err
	}
	return nil
}

// Leave releases one join of topic; the last one sends a leave frame.
// Leaving a topic the current connection never joined is a no-op.
func (a *Adapter) Leave(topic string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	n, ok := a.joins[topic]
	if !ok || a.conn == nil {
		return nil
	}
	if n > 1 {
		a.joins[topic] = n - 1
		return nil
	}
	delete(a.joins, topic)
	return a.sendLocked(frame{Type: frameLeave, Topic: topic})
}

// Joined reports how many joins of topic the current connection holds.
func (a *Adapter) Joined(topic string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.joins[topic]
}

// On registers handler for event. Handlers run on the reader goroutine in
// arrival order.
func (a *Adapter) On(event string, handler Handler) *Subscription {
	entry := &handlerEntry{fn: handler}
	a.mu.Lock()
	next := slices.Clone(a.handlers[event])
	a.handlers[event] = append(next, entry)
	a.mu.Unlock()
	return NewSubscription(func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		next := slices.DeleteFunc(slices.Clone(a.handlers[event]), func(e *handlerEntry) bool { return e == entry })
		if len(next) == 0 {
			delete(a.handlers, event)
			return
		}
		a.handlers[event] = next
	})
}

// OnState registers handler for connection state changes.
func (a *Adapter) OnState(handler func(StateChange)) *Subscription {
	entry := &stateEntry{fn: handler}
	a.mu.Lock()
	a.stateHandlers = append(slices.Clone(a.stateHandlers), entry)
	a.mu.Unlock()
	return NewSubscription(func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.stateHandlers = slices.DeleteFunc(slices.Clone(a.stateHandlers), func(e *stateEntry) bool { return e == entry })
	})
}

func (a *Adapter) sendLocked(f frame) error {
	msg, err := sonic.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	select {
	case a.conn.send <- msg:
		return nil
	case <-a.conn.ctx.Done():
		return ErrNotConnected
	case <-time.After(a.settings.WriteTimeout):
		return errSendTimeout
	}
}

func (a *Adapter) transition(change StateChange) {
	a.mu.Lock()
	if a.state == change.State && change.Err == nil {
		a.mu.Unlock()
		return
	}
	a.state = change.State
	a.last = change
	handlers := a.stateHandlers
	a.mu.Unlock()

	entry := a.logger.WithField("state", change.State.String())
	if change.Err != nil {
		entry = entry.WithError(change.Err)
	}
	entry.WithField("reconnect", change.Reconnect).Debug("push state")
	for _, h := range handlers {
		h.fn(change)
	}
}

func (a *Adapter) run() {
	defer close(a.done)
	defer a.transition(StateChange{State: Disconnected})

	header := http.Header{}
	if a.credential != "" {
		header.Set("Authorization", "Bearer "+a.credential)
	}

	for {
		a.transition(StateChange{State: Connecting})
		ws, resp, err := a.dialer.DialContext(a.ctx, a.url, header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			if a.ctx.Err() != nil {
				return
			}
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				a.logger.WithField("status", resp.StatusCode).Warn("push connection rejected credential")
				a.transition(StateChange{State: Disconnected, Err: ErrUnauthorized})
				return
			}
			a.logger.WithError(err).Info("push connect failed")
			a.transition(StateChange{State: Disconnected, Err: err})
		} else {
			err = a.serve(ws)
			if a.ctx.Err() != nil {
				return
			}
			a.logger.WithError(err).Info("push connection dropped")
			a.transition(StateChange{State: Disconnected, Err: err})
		}

		select {
		case <-a.ctx.Done():
			return
		case <-time.After(a.settings.ReconnectTimeout):
		}
	}
}

// serve runs one connection until it drops or the adapter is closed.
func (a *Adapter) serve(ws *websocket.Conn) error {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(a.ctx)
	defer handleCancel()

	conn := &connection{ctx: handleCtx, send: make(chan []byte, a.settings.SendBuffer)}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer handleCancel()

		ping := time.NewTicker(a.settings.PingTimeout)
		defer ping.Stop()
		for {
			select {
			case <-handleCtx.Done():
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(a.settings.WriteTimeout))
				return
			case msg := <-conn.send:
				_ = ws.SetWriteDeadline(time.Now().Add(a.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
					a.logger.WithError(err).Debug("push write failed")
					return
				}
			case <-ping.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(a.settings.WriteTimeout)); err != nil {
					return
				}
			}
		}
	}()

	readErr := make(chan error, 1)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer handleCancel()

		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(a.settings.ReadTimeout))
		})
		for {
			_ = ws.SetReadDeadline(time.Now().Add(a.settings.ReadTimeout))
			_, message, err := ws.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			a.dispatch(message)
		}
	}()

	a.mu.Lock()
	a.conn = conn
	a.joins = map[string]int{}
	reconnect := a.everConnected
	a.everConnected = true
	a.mu.Unlock()

	a.transition(StateChange{State: Connected, Reconnect: reconnect})

	<-handleCtx.Done()

	a.mu.Lock()
	a.conn = nil
	a.joins = map[string]int{}
	a.mu.Unlock()

	<-writerDone
	ws.Close()
	<-readerDone

	select {
	case err := <-readErr:
		return err
	default:
		return nil
	}
}

func (a *Adapter) dispatch(message []byte) {
	var f frame
	if err := sonic.Unmarshal(message, &f); err != nil {
		a.logger.WithError(err).Debug("push frame not decodable")
		return
	}
	switch f.Type {
	case frameEvent:
		a.mu.Lock()
		handlers := a.handlers[f.Event]
		a.mu.Unlock()
		for _, h := range handlers {
			h.fn(f.Topic, f.Data)
		}
	case frameError:
		a.logger.WithField("topic", f.Topic).Warn(f.Message)
	default:
		a.logger.WithField("type", f.Type).Debug("push frame ignored")
	}
}
