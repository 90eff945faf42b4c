package fabric

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"
)

const maxEnvelopeSize = 4 * 1024 * 1024

// Handler handles one inbound request envelope. The returned value is
// marshaled into the {ok:true} response payload; a returned error becomes a
// structured {ok:false, error} response. Handlers are never allowed to take
// down the connection.
type Handler func(ctx context.Context, req Request) (any, error)

// Conn is a bidirectional envelope connection over line-delimited JSON.
// Every outstanding request has exactly one pending slot; a response is
// delivered to the specific call that issued the matching id, and a late
// response to an abandoned call is discarded.
type Conn struct {
	writer  io.Writer
	scanner *bufio.Scanner
	handler Handler
	log     *EnvelopeLog

	mu      sync.Mutex
	pending map[string]chan envelope

	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

// NewConn creates a Conn with the given handler and starts its read loop.
// A nil handler rejects every inbound request.
func NewConn(handler Handler, w io.Writer, r io.Reader) *Conn {
	c := newConn(handler, w, r)
	go c.readLoop()
	return c
}

// NewIdleConn creates a Conn without starting its read loop, so the caller
// can attach a handler that needs the connection itself before any envelope
// is consumed. Call Start exactly once.
func NewIdleConn(w io.Writer, r io.Reader) *Conn {
	return newConn(nil, w, r)
}

// Start begins the read loop of a Conn created with NewIdleConn.
func (c *Conn) Start() {
	go c.readLoop()
}

func newConn(handler Handler, w io.Writer, r io.Reader) *Conn {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, maxEnvelopeSize), maxEnvelopeSize)

	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		writer:  w,
		scanner: scanner,
		handler: handler,
		pending: make(map[string]chan envelope),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetHandler replaces the inbound request handler. Must be called before any
// envelope for the new handler can arrive, i.e. right after dialing.
func (c *Conn) SetHandler(handler Handler) {
	c.handler = handler
}

// SetLog attaches an envelope debug log to the connection.
func (c *Conn) SetLog(log *EnvelopeLog) {
	c.log = log
}

func (c *Conn) readLoop() {
	defer close(c.done)
	defer c.cancel()

	for c.scanner.Scan() {
		line := c.scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var env envelope
		if err := json.Unmarshal(line, &env); err != nil {
			continue
		}

		c.log.read(line)

		switch {
		case env.isResponse():
			c.deliverResponse(env)
		case env.isRequest():
			go c.handleRequest(env)
		case env.isNotification():
			c.handleNotification(env)
		}
	}

	// Fail every caller still waiting; the channel is gone.
	c.mu.Lock()
	for id, ch := range c.pending {
		ch <- envelope{ID: id, OK: boolPtr(false), Error: "connection closed"}
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

func (c *Conn) deliverResponse(env envelope) {
	c.mu.Lock()
	ch, ok := c.pending[env.ID]
	if ok {
		delete(c.pending, env.ID)
	}
	c.mu.Unlock()

	if ok {
		ch <- env
	}
}

func (c *Conn) handleRequest(env envelope) {
	resp := envelope{ID: env.ID}

	switch {
	case !env.Type.Known():
		resp.OK = boolPtr(false)
		resp.Error = NewMessagingError(KindUnknownType, "unknown message type %q", string(env.Type)).Error()

	case c.handler == nil:
		resp.OK = boolPtr(false)
		resp.Error = "no handler"

	default:
		result, err := c.handler(c.ctx, Request{Type: env.Type, Tab: env.Tab, TS: env.TS, Payload: env.Payload})
		if err != nil {
			resp.OK = boolPtr(false)
			resp.Error = err.Error()
		} else {
			data, marshalErr := json.Marshal(result)
			if marshalErr != nil {
				resp.OK = boolPtr(false)
				resp.Error = marshalErr.Error()
			} else {
				resp.OK = boolPtr(true)
				resp.Payload = data
			}
		}
	}

	_ = c.writeEnvelope(resp)
}

func (c *Conn) handleNotification(env envelope) {
	if c.handler == nil || !env.Type.Known() {
		return
	}
	_, _ = c.handler(c.ctx, Request{Type: env.Type, Tab: env.Tab, TS: env.TS, Payload: env.Payload})
}

func (c *Conn) writeEnvelope(env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.log.write(data)

	c.mu.Lock()
	defer c.mu.Unlock()

	data = append(data, '\n')
	_, err = c.writer.Write(data)
	return err
}

// Request sends a request envelope and blocks until the matching response
// arrives, the context expires, or the connection closes. A context deadline
// surfaces as a RequestTimeout messaging error; a structured {ok:false}
// response surfaces as a RemoteError.
func (c *Conn) Request(ctx context.Context, req Request) (json.RawMessage, error) {
	id := uuid.NewString()

	ch := make(chan envelope, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	env := envelope{
		ID:      id,
		Type:    req.Type,
		Tab:     req.Tab,
		TS:      req.TS,
		Payload: req.Payload,
	}

	if err := c.writeEnvelope(env); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, NewMessagingError(KindCommunicationError, "write %s: %v", req.Type, err)
	}

	select {
	case resp := <-ch:
		if resp.OK == nil || !*resp.OK {
			if resp.Error == "connection closed" {
				return nil, NewMessagingError(KindCommunicationError, "%s: connection closed", req.Type)
			}
			return nil, &RemoteError{Message: resp.Error}
		}
		return resp.Payload, nil

	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, NewMessagingError(KindRequestTimeout, "%s: no response", req.Type)
		}
		return nil, ctx.Err()

	case <-c.done:
		return nil, NewMessagingError(KindCommunicationError, "%s: connection closed", req.Type)
	}
}

// Notify sends a request envelope with no id; no response is expected.
func (c *Conn) Notify(req Request) error {
	env := envelope{
		Type:    req.Type,
		Tab:     req.Tab,
		TS:      req.TS,
		Payload: req.Payload,
	}
	if err := c.writeEnvelope(env); err != nil {
		return NewMessagingError(KindCommunicationError, "notify %s: %v", req.Type, err)
	}
	return nil
}

// Done returns a channel closed when the read loop terminates.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Context returns the connection context, cancelled when the connection closes.
func (c *Conn) Context() context.Context {
	return c.ctx
}

// Close cancels the connection and closes the underlying writer if it
// implements io.Closer.
func (c *Conn) Close() error {
	c.cancel()
	if closer, ok := c.writer.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func boolPtr(b bool) *bool { return &b }
