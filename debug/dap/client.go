package dap

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/go-dap"
	"k8s.io/utils/clock"

	"github.com/xhd2015/debug-bridge-mcp/debug/common"
	"github.com/xhd2015/debug-bridge-mcp/log"
)

const (
	DefaultRequestTimeout = 10 * time.Second
	DefaultTrafficLogSize = 200
)

// ErrClientClosed is returned for requests made after the connection ended.
var ErrClientClosed = errors.New("dap client closed")

// ResponseError is an unsuccessful adapter response.
type ResponseError struct {
	Command string
	Message string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Command, e.Message)
}

// Client speaks the debug adapter protocol over a single connection.
// Responses are matched to requests by request_seq; events are handed to
// the event handler on the read goroutine.
type Client struct {
	conn   io.ReadWriteCloser
	reader *bufio.Reader

	writeMu sync.Mutex
	mu      sync.Mutex
	seq     int
	pending map[int]chan dap.ResponseMessage
	readErr error

	onEvent func(dap.EventMessage)
	traffic *Ring[common.TrafficEntry]
	clock   clock.PassiveClock
	logger  log.Logger
	timeout time.Duration

	done      chan struct{}
	closeOnce sync.Once
}

// ClientOption configures NewClient.
type ClientOption func(*Client)

// WithEventHandler sets the function receiving adapter events. It runs on the
// read goroutine and must not call back into the client synchronously.
func WithEventHandler(fn func(dap.EventMessage)) ClientOption {
	return func(c *Client) { c.onEvent = fn }
}

func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

func WithTrafficLog(ring *Ring[common.TrafficEntry]) ClientOption {
	return func(c *Client) { c.traffic = ring }
}

func WithClientClock(clk clock.PassiveClock) ClientOption {
	return func(c *Client) { c.clock = clk }
}

func WithClientLogger(logger log.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient wraps conn and starts reading from it.
func NewClient(conn io.ReadWriteCloser, opts ...ClientOption) *Client {
	c := &Client{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		seq:     1,
		pending: make(map[int]chan dap.ResponseMessage),
		clock:   clock.RealClock{},
		logger:  log.Nop(),
		timeout: DefaultRequestTimeout,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.traffic == nil {
		c.traffic = NewRing[common.TrafficEntry](DefaultTrafficLogSize)
	}
	go c.readLoop()
	return c
}

// newRequest creates a new DAP request. The sequence number is assigned by Call.
func newRequest(command string) dap.Request {
	return dap.Request{
		ProtocolMessage: dap.ProtocolMessage{
			Type: "request",
		},
		Command: command,
	}
}

// rawRequest carries arguments the client builds as plain JSON.
type rawRequest struct {
	dap.Request
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Call sends req and waits for its response. An unsuccessful response is
// returned together with a *ResponseError.
func (c *Client) Call(ctx context.Context, req dap.RequestMessage) (dap.ResponseMessage, error) {
	base := req.GetRequest()
	base.Type = "request"

	ch := make(chan dap.ResponseMessage, 1)
	c.mu.Lock()
	if c.readErr != nil {
		err := c.readErr
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", base.Command, err)
	}
	base.Seq = c.seq
	c.seq++
	c.pending[base.Seq] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, base.Seq)
		c.mu.Unlock()
	}()

	if err := c.write(req); err != nil {
		return nil, fmt.Errorf("failed to send %s: %w", base.Command, err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	select {
	case resp := <-ch:
		if r := resp.GetResponse(); !r.Success {
			return resp, &ResponseError{Command: base.Command, Message: errorMessage(resp)}
		}
		return resp, nil
	case <-c.done:
		return nil, fmt.Errorf("%s: %w", base.Command, c.err())
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for %s response: %w", base.Command, ctx.Err())
	}
}

func (c *Client) write(msg dap.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.record("send", data)
	return dap.WriteBaseMessage(c.conn, data)
}

func (c *Client) readLoop() {
	for {
		data, err := dap.ReadBaseMessage(c.reader)
		if err != nil {
			c.shutdown(err)
			return
		}
		c.record("receive", data)

		msg, err := dap.DecodeProtocolMessage(data)
		if err != nil {
			c.logger.Warnw("undecodable adapter message", "error", err)
			continue
		}

		switch m := msg.(type) {
		case dap.ResponseMessage:
			seq := m.GetResponse().RequestSeq
			c.mu.Lock()
			ch, ok := c.pending[seq]
			c.mu.Unlock()
			if !ok {
				c.logger.Debugw("response without pending request", "requestSeq", seq)
				continue
			}
			ch <- m
		case dap.EventMessage:
			if c.onEvent != nil {
				c.onEvent(m)
			}
		default:
			c.logger.Debugf("ignoring adapter message %T", msg)
		}
	}
}

func (c *Client) record(direction string, data []byte) {
	msg := make(json.RawMessage, len(data))
	copy(msg, data)
	c.traffic.Add(common.TrafficEntry{
		Time:      c.clock.Now(),
		Direction: direction,
		Message:   msg,
	})
}

func (c *Client) shutdown(err error) {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		err = ErrClientClosed
	}
	c.mu.Lock()
	if c.readErr == nil {
		c.readErr = err
	}
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr == nil {
		return ErrClientClosed
	}
	return c.readErr
}

// Done is closed when the connection has ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// TrafficLog returns the recorded messages, oldest first.
func (c *Client) TrafficLog() []common.TrafficEntry {
	return c.traffic.Items()
}

// Close closes the connection; pending calls fail with ErrClientClosed.
func (c *Client) Close() error {
	err := c.conn.Close()
	c.shutdown(ErrClientClosed)
	return err
}

// errorMessage extracts the most specific error text of a failed response.
func errorMessage(resp dap.ResponseMessage) string {
	var body struct {
		Message string `json:"message"`
		Body    struct {
			Error *struct {
				Format string `json:"format"`
			} `json:"error"`
		} `json:"body"`
	}
	if data, err := json.Marshal(resp); err == nil {
		_ = json.Unmarshal(data, &body)
	}
	if body.Body.Error != nil && body.Body.Error.Format != "" {
		return body.Body.Error.Format
	}
	if body.Message != "" {
		return body.Message
	}
	return "unknown error"
}
