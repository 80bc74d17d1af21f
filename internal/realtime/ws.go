package realtime

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/retailsync/retailsync/pkg/errors"
	"github.com/retailsync/retailsync/pkg/logging"
	"github.com/retailsync/retailsync/pkg/types"
)

// envelope is the wire frame multiplexing named channels over one socket.
type envelope struct {
	Type    string         `json:"type,omitempty"`
	Channel string         `json:"channel"`
	Event   string         `json:"event,omitempty"`
	Message *types.Message `json:"message,omitempty"`
}

// WSService is a websocket-backed RealtimeService. It is the reference
// transport; hosts with a vendor SDK plug in their own implementation.
type WSService struct {
	url    string
	logger *logging.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	writeMu  sync.Mutex
	channels map[string]*wsChannel
	closed   bool
}

// NewWSService creates a service that dials url on the first subscription.
func NewWSService(url string, logger *logging.Logger) *WSService {
	if logger == nil {
		logger = logging.Nop()
	}
	return &WSService{
		url:      url,
		logger:   logger.WithComponent("ws"),
		channels: make(map[string]*wsChannel),
	}
}

// Channel returns the named channel, creating it on first use.
func (s *WSService) Channel(name string) types.RealtimeChannel {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch, ok := s.channels[name]; ok {
		return ch
	}
	ch := &wsChannel{service: s, name: name, handlers: make(map[string][]func(types.Message))}
	s.channels[name] = ch
	return ch
}

// Close tears down the socket and every channel.
func (s *WSService) Close() error {
	s.mu.Lock()
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// ensureConn dials the endpoint once and starts the read loop.
func (s *WSService) ensureConn() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New(errors.ErrCodeShutdownInProgress, "service closed").
			WithComponent("ws")
	}
	if s.conn != nil {
		return nil
	}

	conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	if err != nil {
		return errors.New(errors.ErrCodeConnectionFailed, "websocket dial failed").
			WithComponent("ws").WithResource(s.url).WithCause(err)
	}
	s.conn = conn
	go s.readLoop(conn)
	return nil
}

func (s *WSService) send(frame envelope) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New(errors.ErrCodeConnectionFailed, "not connected").WithComponent("ws")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(frame)
}

func (s *WSService) readLoop(conn *websocket.Conn) {
	for {
		var frame envelope
		if err := conn.ReadJSON(&frame); err != nil {
			s.handleDisconnect(conn, err)
			return
		}
		if frame.Message == nil {
			continue
		}

		s.mu.Lock()
		ch := s.channels[frame.Channel]
		s.mu.Unlock()
		if ch != nil {
			ch.dispatch(frame.Event, *frame.Message)
		}
	}
}

// handleDisconnect drops the dead socket and tells every subscribed
// channel, so the pool's recovery takes over.
func (s *WSService) handleDisconnect(conn *websocket.Conn, cause error) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	closed := s.closed
	channels := make([]*wsChannel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	s.mu.Unlock()

	conn.Close()
	if closed {
		return
	}

	s.logger.Warn("websocket disconnected", map[string]interface{}{
		"error": cause.Error(),
	})
	for _, ch := range channels {
		ch.reportStatus(types.StatusChannelError, cause)
	}
}

// wsChannel is one logical channel on the shared socket.
type wsChannel struct {
	service *WSService
	name    string

	mu         sync.Mutex
	handlers   map[string][]func(types.Message)
	statusFn   func(types.ChannelStatus, error)
	subscribed bool
}

// On registers a handler for events matching the filter ("*" for all).
func (c *wsChannel) On(eventFilter string, handler func(types.Message)) types.RealtimeChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[eventFilter] = append(c.handlers[eventFilter], handler)
	return c
}

// Subscribe opens the channel on the server.
func (c *wsChannel) Subscribe(statusHandler func(types.ChannelStatus, error)) error {
	if err := c.service.ensureConn(); err != nil {
		return err
	}

	c.mu.Lock()
	c.statusFn = statusHandler
	c.subscribed = true
	c.mu.Unlock()

	if err := c.service.send(envelope{Type: "subscribe", Channel: c.name}); err != nil {
		return errors.New(errors.ErrCodeSubscriptionError, "subscribe frame failed").
			WithComponent("ws").WithResource(c.name).WithCause(err)
	}
	c.reportStatus(types.StatusConnected, nil)
	return nil
}

// Unsubscribe closes the channel. No handler fires after it returns.
func (c *wsChannel) Unsubscribe() error {
	c.mu.Lock()
	wasSubscribed := c.subscribed
	c.subscribed = false
	c.statusFn = nil
	c.mu.Unlock()

	if !wasSubscribed {
		return nil
	}
	// Best effort: the socket may already be gone.
	_ = c.service.send(envelope{Type: "unsubscribe", Channel: c.name})
	return nil
}

func (c *wsChannel) dispatch(event string, msg types.Message) {
	c.mu.Lock()
	if !c.subscribed {
		c.mu.Unlock()
		return
	}
	var handlers []func(types.Message)
	handlers = append(handlers, c.handlers["*"]...)
	if event != "" && event != "*" {
		handlers = append(handlers, c.handlers[event]...)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}
}

func (c *wsChannel) reportStatus(status types.ChannelStatus, err error) {
	c.mu.Lock()
	fn := c.statusFn
	c.mu.Unlock()
	if fn != nil {
		fn(status, err)
	}
}
