// client.go provides a client for the privileged helper's Unix socket.
// One Client is one session: the first call triggers the polkit prompt and
// closing the Client ends the session.
package helper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/jonmagon/kdiskmark/helper/internal/fio"
	"github.com/jonmagon/kdiskmark/helper/internal/process"
	"github.com/jonmagon/kdiskmark/helper/internal/storage"
)

// eventBuffer is how many unread completions a Client keeps.
const eventBuffer = 16

// ErrClientClosed is returned for calls on a closed or broken connection.
var ErrClientClosed = errors.New("helper connection closed")

// Client talks to the helper over one connection.
type Client struct {
	conn net.Conn

	writeMu sync.Mutex
	enc     *json.Encoder

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan Message
	readErr error

	events chan process.Completion
	closed chan struct{}
}

// Dial connects to the helper socket at socketPath.
func Dial(ctx context.Context, socketPath string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("helper not available: %w", err)
	}

	c := &Client{
		conn:    conn,
		enc:     json.NewEncoder(conn),
		pending: make(map[uint64]chan Message),
		events:  make(chan process.Completion, eventBuffer),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Events delivers task_finished notifications. When the buffer is full new
// completions are dropped. The channel is closed when the connection ends.
func (c *Client) Events() <-chan process.Completion {
	return c.events
}

// Close ends the session.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call sends one request and decodes the reply's result into result, which
// may be nil. A denied reply returns an error wrapping ErrAccessDenied.
func (c *Client) Call(ctx context.Context, method Method, params, result any) error {
	req := Request{Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to encode params: %w", err)
		}
		req.Params = data
	}

	reply := make(chan Message, 1)

	c.mu.Lock()
	if c.readErr != nil {
		err := c.readErr
		c.mu.Unlock()
		return err
	}
	c.nextID++
	req.ID = c.nextID
	c.pending[req.ID] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	err := c.enc.Encode(&req)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}

	var msg Message
	select {
	case msg = <-reply:
	case <-c.closed:
		return c.err()
	case <-ctx.Done():
		return ctx.Err()
	}

	if result != nil && len(msg.Result) > 0 {
		if err := json.Unmarshal(msg.Result, result); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", method, err)
		}
	}

	return replyError(msg)
}

// readLoop routes replies to their callers and notifications to Events.
func (c *Client) readLoop() {
	defer close(c.events)
	defer close(c.closed)

	dec := json.NewDecoder(c.conn)
	for {
		var msg Message
		if err := dec.Decode(&msg); err != nil {
			c.mu.Lock()
			c.readErr = fmt.Errorf("%w: %v", ErrClientClosed, err)
			c.mu.Unlock()
			return
		}

		switch msg.Type {
		case MessageTaskFinished:
			if msg.Task == nil {
				continue
			}
			select {
			case c.events <- *msg.Task:
			default:
			}
		case MessageReply:
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			c.mu.Unlock()
			if ok {
				ch <- msg
			}
		}
	}
}

func (c *Client) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return c.readErr
	}
	return ErrClientClosed
}

func replyError(msg Message) error {
	switch msg.Code {
	case "":
		if msg.Error != "" {
			return errors.New(msg.Error)
		}
		return nil
	case CodeAccessDenied:
		return ErrAccessDenied
	case CodeBadRequest:
		return fmt.Errorf("%w: %s", ErrInvalidRequest, msg.Error)
	default:
		return fmt.Errorf("helper error: %s", msg.Error)
	}
}

// ListStorages returns the benchmark target volumes.
func (c *Client) ListStorages(ctx context.Context) (storage.Volumes, error) {
	var volumes storage.Volumes
	err := c.Call(ctx, MethodListStorages, nil, &volumes)
	return volumes, err
}

// PrepareFile starts preallocating the scratch file; watch Events for the outcome.
func (c *Client) PrepareFile(ctx context.Context, opts fio.PrepareOptions) error {
	return c.Call(ctx, MethodPrepareFile, opts, nil)
}

// StartTest starts a benchmark; watch Events for the outcome.
func (c *Client) StartTest(ctx context.Context, opts fio.BenchmarkOptions) error {
	return c.Call(ctx, MethodStartTest, opts, nil)
}

// FlushPageCache drops the page cache on the helper's host.
func (c *Client) FlushPageCache(ctx context.Context) (process.FlushResult, error) {
	var res process.FlushResult
	err := c.Call(ctx, MethodFlushPageCache, nil, &res)
	return res, err
}

// RemoveFile deletes the scratch file.
func (c *Client) RemoveFile(ctx context.Context, path string) (bool, error) {
	var removed bool
	err := c.Call(ctx, MethodRemoveFile, RemoveFileParams{Path: path}, &removed)
	return removed, err
}

// StopCurrentTask stops the running benchmark and waits for it to end.
func (c *Client) StopCurrentTask(ctx context.Context) error {
	return c.Call(ctx, MethodStopCurrentTask, nil, nil)
}
