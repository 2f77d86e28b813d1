package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/fishqueue/internal/domain"
	"github.com/hochfrequenz/fishqueue/internal/logging"
	"github.com/hochfrequenz/fishqueue/internal/workerproto"
)

// pingWait is how long we wait for a ping from the coordinator before timing out
const pingWait = 90 * time.Second

// writeWait is time allowed to write a message
const writeWait = 10 * time.Second

// ErrClosed is returned for calls on a connection that went away
var ErrClosed = errors.New("connection closed")

// Client is one websocket connection to the coordinator. Calls may be made
// from several goroutines; replies are matched to calls by request id.
type Client struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan workerproto.EnvelopeRaw
	nextID  uint64
	err     error

	done chan struct{}
}

// Dial connects to the coordinator at url and registers info
func Dial(ctx context.Context, url string, info domain.WorkerInfo, logger *slog.Logger) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	c := &Client{
		conn:    conn,
		logger:  logging.OrDefault(logger),
		pending: make(map[string]chan workerproto.EnvelopeRaw),
		done:    make(chan struct{}),
	}

	// Set up WebSocket-level ping handler to extend read deadline when coordinator pings us
	conn.SetReadDeadline(time.Now().Add(pingWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pingWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if err != nil {
			c.logger.Debug("failed to send pong", "error", err)
		}
		return err
	})

	go c.readLoop()

	if _, err := c.call(ctx, workerproto.TypeRegister, workerproto.RegisterMessage{Worker: info}, workerproto.TypeAck); err != nil {
		c.Close()
		return nil, fmt.Errorf("register: %w", err)
	}
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			return
		}

		// Extend read deadline on any message received
		c.conn.SetReadDeadline(time.Now().Add(pingWait))

		var env workerproto.EnvelopeRaw
		if err := json.Unmarshal(message, &env); err != nil {
			c.logger.Warn("invalid message from coordinator", "error", err)
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[env.ID]
		delete(c.pending, env.ID)
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("unsolicited message", "type", env.Type, "id", env.ID)
			continue
		}
		ch <- env
	}
}

// Done is closed when the connection is gone
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the read error that ended the connection
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the connection
func (c *Client) Close() error {
	c.writeMu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}

// call sends a request and waits for its reply. An error reply is returned
// as *workerproto.ErrorMessage; a reply of any type not in want is a
// protocol error.
func (c *Client) call(ctx context.Context, msgType string, payload interface{}, want ...string) (workerproto.EnvelopeRaw, error) {
	ch := make(chan workerproto.EnvelopeRaw, 1)

	c.mu.Lock()
	c.nextID++
	id := strconv.FormatUint(c.nextID, 10)
	c.pending[id] = ch
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	data, err := workerproto.MarshalEnvelope(msgType, id, payload)
	if err != nil {
		forget()
		return workerproto.EnvelopeRaw{}, err
	}

	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = c.conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		forget()
		return workerproto.EnvelopeRaw{}, fmt.Errorf("send %s: %w", msgType, err)
	}

	select {
	case env := <-ch:
		if env.Type == workerproto.TypeError {
			var e workerproto.ErrorMessage
			if err := env.Decode(&e); err != nil {
				return env, err
			}
			return env, &e
		}
		for _, t := range want {
			if env.Type == t {
				return env, nil
			}
		}
		return env, fmt.Errorf("unexpected reply %q to %s", env.Type, msgType)
	case <-c.done:
		forget()
		return workerproto.EnvelopeRaw{}, ErrClosed
	case <-ctx.Done():
		forget()
		return workerproto.EnvelopeRaw{}, ctx.Err()
	}
}

// RequestTask asks for work. It returns a nil task and the suggested retry
// delay when there is none.
func (c *Client) RequestTask(ctx context.Context) (*workerproto.TaskMessage, time.Duration, error) {
	env, err := c.call(ctx, workerproto.TypeRequestTask, nil, workerproto.TypeTask, workerproto.TypeNoWork)
	if err != nil {
		return nil, 0, err
	}
	if env.Type == workerproto.TypeNoWork {
		var nw workerproto.NoWorkMessage
		if err := env.Decode(&nw); err != nil {
			return nil, 0, err
		}
		return nil, time.Duration(nw.RetryAfterSecs) * time.Second, nil
	}
	var task workerproto.TaskMessage
	if err := env.Decode(&task); err != nil {
		return nil, 0, err
	}
	return &task, 0, nil
}

func (c *Client) ack(ctx context.Context, msgType string, payload interface{}) (workerproto.AckMessage, error) {
	var ack workerproto.AckMessage
	env, err := c.call(ctx, msgType, payload, workerproto.TypeAck)
	if err != nil {
		return ack, err
	}
	err = env.Decode(&ack)
	return ack, err
}

// Update reports games played
func (c *Client) Update(ctx context.Context, msg workerproto.UpdateMessage) (workerproto.AckMessage, error) {
	return c.ack(ctx, workerproto.TypeUpdate, msg)
}

// Heartbeat renews a lease
func (c *Client) Heartbeat(ctx context.Context, ref domain.TaskRef) (workerproto.AckMessage, error) {
	return c.ack(ctx, workerproto.TypeHeartbeat, workerproto.HeartbeatMessage{Ref: ref})
}

// Fail gives a task back
func (c *Client) Fail(ctx context.Context, ref domain.TaskRef, message string) (workerproto.AckMessage, error) {
	return c.ack(ctx, workerproto.TypeFailed, workerproto.FailedMessage{Ref: ref, Message: message})
}

// StopRun asks the server to stop a run
func (c *Client) StopRun(ctx context.Context, runID, message string) error {
	_, err := c.ack(ctx, workerproto.TypeStopRun, workerproto.StopRunMessage{RunID: runID, Message: message})
	return err
}
