package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/fishqueue/internal/controller"
	"github.com/hochfrequenz/fishqueue/internal/domain"
	"github.com/hochfrequenz/fishqueue/internal/idgen"
	"github.com/hochfrequenz/fishqueue/internal/logging"
	"github.com/hochfrequenz/fishqueue/internal/workerproto"
)

// Backend is the part of the controller the worker channel needs
type Backend interface {
	RequestTask(ctx context.Context, w domain.WorkerInfo) (*controller.Assignment, error)
	ReportResult(ctx context.Context, ref domain.TaskRef, seq uint64, delta domain.Stats, final bool) (*controller.Ack, error)
	Heartbeat(ctx context.Context, ref domain.TaskRef) (*controller.Ack, error)
	FailTask(ctx context.Context, ref domain.TaskRef, message string) (*controller.Ack, error)
	StopRun(ctx context.Context, runID, reason string) error
}

// Config configures the coordinator
type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	// NoWorkRetry is the delay suggested to workers that got no task.
	NoWorkRetry time.Duration
}

// Coordinator accepts worker connections and serves their requests
type Coordinator struct {
	config   Config
	backend  Backend
	registry *Registry
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// New creates a coordinator
func New(config Config, backend Backend, logger *slog.Logger) *Coordinator {
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = 30 * time.Second
	}
	if config.HeartbeatTimeout == 0 {
		config.HeartbeatTimeout = 90 * time.Second // Allow missing 2 heartbeats before disconnect
	}
	if config.NoWorkRetry == 0 {
		config.NoWorkRetry = 15 * time.Second
	}

	return &Coordinator{
		config:   config,
		backend:  backend,
		registry: NewRegistry(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logging.OrDefault(logger),
	}
}

// Registry returns the worker registry
func (c *Coordinator) Registry() *Registry {
	return c.registry
}

// HandleWebSocket serves one worker connection until it closes
func (c *Coordinator) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c.serve(r.Context(), conn)
}

// connState is what one read loop knows about its worker
type connState struct {
	conn   *websocket.Conn
	worker *ConnectedWorker
}

func (s *connState) write(msgType, id string, payload interface{}) error {
	data, err := workerproto.MarshalEnvelope(msgType, id, payload)
	if err != nil {
		return err
	}
	if s.worker != nil {
		return s.worker.WriteMessage(websocket.TextMessage, data)
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Coordinator) serve(ctx context.Context, conn *websocket.Conn) {
	st := &connState{conn: conn}
	defer func() {
		conn.Close()
		if st.worker != nil {
			c.registry.Unregister(st.worker)
			c.releaseAll(context.WithoutCancel(ctx), st.worker)
			c.logger.Info("worker disconnected", "worker", st.worker.Info.String())
		}
	}()

	// Set up WebSocket-level pong handler to extend read deadline
	conn.SetReadDeadline(time.Now().Add(c.config.HeartbeatTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.config.HeartbeatTimeout))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("worker read failed", "error", err)
			}
			return
		}

		// Extend read deadline on any message received
		conn.SetReadDeadline(time.Now().Add(c.config.HeartbeatTimeout))

		var env workerproto.EnvelopeRaw
		if err := json.Unmarshal(message, &env); err != nil {
			c.logger.Warn("invalid worker message", "error", err)
			continue
		}
		if st.worker != nil {
			st.worker.Touch(time.Now())
		}

		msgType, reply, err := c.dispatch(ctx, st, env)
		if err != nil {
			var protoErr *workerproto.ErrorMessage
			e := workerproto.ErrorFor(err)
			if errors.As(err, &protoErr) {
				e = *protoErr
			}
			msgType, reply = workerproto.TypeError, e
		}
		if msgType == "" {
			continue
		}
		if err := st.write(msgType, env.ID, reply); err != nil {
			c.logger.Warn("writing to worker failed", "error", err)
			return
		}
	}
}

func protocolError(format string, args ...interface{}) error {
	return &workerproto.ErrorMessage{Code: workerproto.CodeProtocol, Message: fmt.Sprintf(format, args...)}
}

// dispatch handles one message and returns the reply to send
func (c *Coordinator) dispatch(ctx context.Context, st *connState, env workerproto.EnvelopeRaw) (string, interface{}, error) {
	if env.Type != workerproto.TypeRegister && st.worker == nil {
		return "", nil, protocolError("%s before register", env.Type)
	}

	switch env.Type {
	case workerproto.TypeRegister:
		var reg workerproto.RegisterMessage
		if err := env.Decode(&reg); err != nil {
			return "", nil, protocolError("invalid register: %v", err)
		}
		if st.worker != nil {
			return "", nil, protocolError("already registered")
		}
		if reg.Worker.UniqueKey == "" {
			reg.Worker.UniqueKey = idgen.New()
		}
		if err := reg.Worker.Validate(); err != nil {
			return "", nil, err
		}
		st.worker = newConnectedWorker(reg.Worker, st.conn)
		c.registry.Register(st.worker)
		c.logger.Info("worker registered", "worker", reg.Worker.String(), "concurrency", reg.Worker.Concurrency)
		return workerproto.TypeAck, workerproto.AckMessage{Applied: true}, nil

	case workerproto.TypeRequestTask:
		a, err := c.backend.RequestTask(ctx, st.worker.Info)
		if err != nil {
			return "", nil, err
		}
		if a == nil {
			return workerproto.TypeNoWork, workerproto.NoWorkMessage{
				RetryAfterSecs: int(c.config.NoWorkRetry / time.Second),
			}, nil
		}
		st.worker.AddTask(a.Ref)
		return workerproto.TypeTask, workerproto.TaskMessage{
			Ref:         a.Ref,
			NumGames:    a.Games,
			LeaseExpiry: a.Expiry,
			Run:         a.Run,
		}, nil

	case workerproto.TypeUpdate:
		var msg workerproto.UpdateMessage
		if err := env.Decode(&msg); err != nil {
			return "", nil, protocolError("invalid update: %v", err)
		}
		ack, err := c.backend.ReportResult(ctx, msg.Ref, msg.Seq, msg.Stats, msg.Final)
		return c.ack(st.worker, msg.Ref, ack, err)

	case workerproto.TypeHeartbeat:
		var msg workerproto.HeartbeatMessage
		if err := env.Decode(&msg); err != nil {
			return "", nil, protocolError("invalid heartbeat: %v", err)
		}
		ack, err := c.backend.Heartbeat(ctx, msg.Ref)
		return c.ack(st.worker, msg.Ref, ack, err)

	case workerproto.TypeFailed:
		var msg workerproto.FailedMessage
		if err := env.Decode(&msg); err != nil {
			return "", nil, protocolError("invalid failed: %v", err)
		}
		ack, err := c.backend.FailTask(ctx, msg.Ref, msg.Message)
		return c.ack(st.worker, msg.Ref, ack, err)

	case workerproto.TypeStopRun:
		var msg workerproto.StopRunMessage
		if err := env.Decode(&msg); err != nil {
			return "", nil, protocolError("invalid stop_run: %v", err)
		}
		reason := fmt.Sprintf("stopped by worker %s: %s", st.worker.Info.String(), msg.Message)
		if err := c.backend.StopRun(ctx, msg.RunID, reason); err != nil {
			return "", nil, err
		}
		return workerproto.TypeAck, workerproto.AckMessage{Applied: true}, nil

	default:
		return "", nil, protocolError("unknown message type %q", env.Type)
	}
}

func (c *Coordinator) ack(w *ConnectedWorker, ref domain.TaskRef, ack *controller.Ack, err error) (string, interface{}, error) {
	if err != nil {
		return "", nil, err
	}
	if !ack.TaskAlive {
		w.DropTask(ref)
	}
	return workerproto.TypeAck, workerproto.AckMessage{
		Applied:   ack.Applied,
		TaskAlive: ack.TaskAlive,
		RunStatus: ack.Status,
		Reason:    ack.Reason,
	}, nil
}

// releaseAll gives back the tasks of a worker that went away so their games
// can be handed out again without waiting for the lease to expire.
func (c *Coordinator) releaseAll(ctx context.Context, w *ConnectedWorker) {
	for _, ref := range w.Tasks() {
		if _, err := c.backend.FailTask(ctx, ref, "worker disconnected"); err != nil {
			c.logger.Warn("releasing task of disconnected worker", "task", ref.String(), "error", err)
		}
		w.DropTask(ref)
	}
}

// HandleStatus returns the connected workers
func (c *Coordinator) HandleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(c.Status())
}

// Status returns a snapshot of all connected workers
func (c *Coordinator) Status() []Status {
	workers := c.registry.All()
	out := make([]Status, 0, len(workers))
	for _, w := range workers {
		out = append(out, w.GetStatus())
	}
	return out
}

// Run pings connected workers until ctx is done
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.sendPings()
		}
	}
}

func (c *Coordinator) sendPings() {
	for _, w := range c.registry.All() {
		// protocol-level ping; the worker's pong extends our read deadline
		w.writeMu.Lock()
		w.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		err := w.Conn.WriteMessage(websocket.PingMessage, nil)
		w.Conn.SetWriteDeadline(time.Time{})
		w.writeMu.Unlock()

		if err != nil {
			c.logger.Warn("ping failed", "worker", w.Info.String(), "error", err)
			// the read loop cleans up
			w.Conn.Close()
		}
	}
}
