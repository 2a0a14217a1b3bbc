// Package client is a Go client of the livesync server: a websocket connection with
// request/acknowledgement calls, server pushes, and entity observers backed by a local cache.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tinode/livesync/server/store/types"
)

const (
	// DefaultTimeout is how long Call waits for the acknowledgement.
	DefaultTimeout = 10 * time.Second

	// Time allowed to write a message to the server.
	writeWait = 10 * time.Second

	eventAuthInfo = "auth:info"
)

var (
	// ErrTimeout is returned by Call when the acknowledgement did not arrive in time. The
	// request may still be executed by the server.
	ErrTimeout = errors.New("client: request timed out")
	// ErrClosed is returned when the connection is closed.
	ErrClosed = errors.New("client: connection closed")
)

// Error is a failure reported by the server.
type Error struct {
	Code    int
	Message string
	Details []string
}

func (e *Error) Error() string {
	msg := "client: " + e.Message + " (" + strconv.Itoa(e.Code) + ")"
	for _, d := range e.Details {
		msg += "; " + d
	}
	return msg
}

// Options of a connection.
type Options struct {
	// Security token or JWT. Empty for an anonymous connection.
	Token string
	// Extra headers of the websocket handshake.
	Header http.Header
	// Timeout of Call. Default: DefaultTimeout.
	Timeout time.Duration
	// Default: websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// AuthInfo is the identity the server assigned to the connection.
type AuthInfo struct {
	UserId        string              `json:"userId,omitempty"`
	ServiceAccess types.ServiceAccess `json:"serviceAccess,omitempty"`
}

type response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    int             `json:"code,omitempty"`
	Details []string        `json:"details,omitempty"`
}

type outgoing struct {
	Id    string `json:"id,omitempty"`
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type incoming struct {
	Id    string          `json:"id,omitempty"`
	Ack   *response       `json:"ack,omitempty"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Conn is a connection to the server. Safe for concurrent use.
type Conn struct {
	ws      *websocket.Conn
	timeout time.Duration

	// Gorilla allows one concurrent writer.
	writeLock sync.Mutex

	lastId int64

	lock       sync.Mutex
	pending    map[string]chan *response
	handlers   map[string]map[int64]func(json.RawMessage)
	handlerSeq int64
	authInfo   AuthInfo
	authReady  chan struct{}

	registry *Registry
	cache    *Cache

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Dial connects to the server at url (ws:// or wss://) and waits for the server to report the
// identity of the connection.
func Dial(ctx context.Context, url string, opts *Options) (*Conn, error) {
	if opts == nil {
		opts = &Options{}
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	for k, v := range opts.Header {
		header[k] = v
	}
	if opts.Token != "" {
		header.Set("X-LiveSync-Auth", opts.Token)
	}

	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, &Error{Code: resp.StatusCode, Message: "authentication failed"}
		}
		return nil, err
	}

	c := &Conn{
		ws:        ws,
		timeout:   opts.Timeout,
		pending:   make(map[string]chan *response),
		handlers:  make(map[string]map[int64]func(json.RawMessage)),
		authReady: make(chan struct{}),
		registry:  NewRegistry(),
		cache:     NewCache(),
		done:      make(chan struct{}),
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}

	go c.readLoop()

	select {
	case <-c.authReady:
		return c, nil
	case <-c.done:
		return nil, c.err()
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}
}

// AuthInfo returns the identity of the connection.
func (c *Conn) AuthInfo() AuthInfo {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.authInfo
}

// Registry returns the subscription registry of this connection.
func (c *Conn) Registry() *Registry {
	return c.registry
}

// Cache returns the entity cache of this connection.
func (c *Conn) Cache() *Cache {
	return c.cache
}

// Done is closed when the connection is terminated.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Call sends the request and waits for the acknowledgement. The result is decoded into out
// unless out is nil. A failure reported by the server is returned as *Error.
func (c *Conn) Call(ctx context.Context, event string, payload, out any) error {
	id := strconv.FormatInt(atomic.AddInt64(&c.lastId, 1), 10)
	ch := make(chan *response, 1)

	c.lock.Lock()
	c.pending[id] = ch
	c.lock.Unlock()
	defer func() {
		c.lock.Lock()
		delete(c.pending, id)
		c.lock.Unlock()
	}()

	if err := c.write(&outgoing{Id: id, Event: event, Data: payload}); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	select {
	case resp := <-ch:
		if !resp.Success {
			return &Error{Code: resp.Code, Message: resp.Error, Details: resp.Details}
		}
		if out != nil && len(resp.Data) > 0 {
			return json.Unmarshal(resp.Data, out)
		}
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrTimeout
		}
		return ctx.Err()
	}
}

// Send sends the request without asking for an acknowledgement.
func (c *Conn) Send(event string, payload any) error {
	return c.write(&outgoing{Event: event, Data: payload})
}

// On calls fn for every push of the event until off is called. Handlers run on the reading
// goroutine in the order the pushes arrive and must not wait for acknowledgements.
func (c *Conn) On(event string, fn func(data json.RawMessage)) (off func()) {
	c.lock.Lock()
	c.handlerSeq++
	seq := c.handlerSeq
	hs := c.handlers[event]
	if hs == nil {
		hs = make(map[int64]func(json.RawMessage))
		c.handlers[event] = hs
	}
	hs[seq] = fn
	c.lock.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.lock.Lock()
			defer c.lock.Unlock()
			if hs := c.handlers[event]; hs != nil {
				delete(hs, seq)
				if len(hs) == 0 {
					delete(c.handlers, event)
				}
			}
		})
	}
}

// Close terminates the connection and releases every subscription of it.
func (c *Conn) Close() error {
	c.writeLock.Lock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.writeLock.Unlock()
	c.ws.Close()
	<-c.done
	return nil
}

func (c *Conn) write(msg *outgoing) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return ErrClosed
	}
	return nil
}

func (c *Conn) readLoop() {
	defer c.terminate()

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			c.lock.Lock()
			c.closeErr = err
			c.lock.Unlock()
			return
		}

		var msg incoming
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if msg.Ack != nil {
			c.lock.Lock()
			ch := c.pending[msg.Id]
			c.lock.Unlock()
			if ch != nil {
				select {
				case ch <- msg.Ack:
				default:
				}
			}
			continue
		}
		if msg.Event == "" {
			continue
		}
		if msg.Event == eventAuthInfo {
			c.setAuthInfo(msg.Data)
		}
		c.deliver(msg.Event, msg.Data)
	}
}

func (c *Conn) setAuthInfo(data json.RawMessage) {
	var info AuthInfo
	json.Unmarshal(data, &info)

	c.lock.Lock()
	defer c.lock.Unlock()
	c.authInfo = info
	select {
	case <-c.authReady:
	default:
		close(c.authReady)
	}
}

func (c *Conn) deliver(event string, data json.RawMessage) {
	c.lock.Lock()
	fns := make([]func(json.RawMessage), 0, len(c.handlers[event]))
	for _, fn := range c.handlers[event] {
		fns = append(fns, fn)
	}
	c.lock.Unlock()

	for _, fn := range fns {
		fn(data)
	}
}

// terminate runs once when the reading goroutine exits.
func (c *Conn) terminate() {
	c.closeOnce.Do(func() {
		c.ws.Close()
		// Subscriptions do not survive the connection.
		c.registry.Clear()
		close(c.done)
	})
}

func (c *Conn) err() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closeErr != nil {
		return c.closeErr
	}
	return ErrClosed
}
