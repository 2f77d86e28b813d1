// Package workerproto defines the messages exchanged between workers and the
// coordinator over a websocket. Every message is a JSON envelope; requests
// carry an id that the coordinator echoes in its reply.
package workerproto

import (
	"encoding/json"
	"time"

	"github.com/hochfrequenz/fishqueue/internal/domain"
)

// Envelope wraps all messages with a type discriminator.
// When marshaling, Payload can be any message struct.
// When unmarshaling, use EnvelopeRaw for type-based dispatch.
type Envelope struct {
	Type    string      `json:"type"`
	ID      string      `json:"id,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
}

// EnvelopeRaw is used for receiving messages where the payload
// needs to be unmarshaled based on the message type.
type EnvelopeRaw struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalEnvelope creates an envelope with the given type, request id and payload
func MarshalEnvelope(msgType, id string, payload interface{}) ([]byte, error) {
	return json.Marshal(Envelope{Type: msgType, ID: id, Payload: payload})
}

// Decode unmarshals the payload into v
func (e EnvelopeRaw) Decode(v interface{}) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// Worker -> Coordinator messages

// RegisterMessage sent when worker first connects
type RegisterMessage struct {
	Worker domain.WorkerInfo `json:"worker_info"`
}

// RequestTaskMessage asks for a new slice of games. It has no fields; the
// coordinator uses the registered worker info.
type RequestTaskMessage struct{}

// UpdateMessage reports games played since the previous update
type UpdateMessage struct {
	Ref   domain.TaskRef `json:"ref"`
	Seq   uint64         `json:"seq"`
	Stats domain.Stats   `json:"stats"`
	Final bool           `json:"final,omitempty"`
}

// HeartbeatMessage renews the lease of a task
type HeartbeatMessage struct {
	Ref domain.TaskRef `json:"ref"`
}

// FailedMessage gives a task back after an error on the worker
type FailedMessage struct {
	Ref     domain.TaskRef `json:"ref"`
	Message string         `json:"message"`
}

// StopRunMessage asks to stop a run, e.g. on a bench mismatch
type StopRunMessage struct {
	RunID   string `json:"run_id"`
	Message string `json:"message"`
}

// Coordinator -> Worker messages

// TaskMessage assigns a slice of games
type TaskMessage struct {
	Ref         domain.TaskRef   `json:"ref"`
	NumGames    int              `json:"num_games"`
	LeaseExpiry time.Time        `json:"lease_expiry"`
	Run         domain.RunConfig `json:"run"`
}

// NoWorkMessage tells the worker to ask again later
type NoWorkMessage struct {
	RetryAfterSecs int `json:"retry_after_secs"`
}

// AckMessage answers update, heartbeat, failed and stop_run
type AckMessage struct {
	Applied   bool             `json:"applied"`
	TaskAlive bool             `json:"task_alive"`
	RunStatus domain.RunStatus `json:"run_status,omitempty"`
	Reason    string           `json:"reason,omitempty"`
}

// ErrorMessage reports a request that could not be served
type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorMessage) Error() string {
	return e.Code + ": " + e.Message
}

// Message type constants
const (
	TypeRegister    = "register"
	TypeRequestTask = "request_task"
	TypeUpdate      = "update"
	TypeHeartbeat   = "heartbeat"
	TypeFailed      = "failed"
	TypeStopRun     = "stop_run"
	TypeTask        = "task"
	TypeNoWork      = "no_work"
	TypeAck         = "ack"
	TypeError       = "error"
)

// Error codes
const (
	CodeValidation = "validation"
	CodeNotFound   = "not_found"
	CodeCapacity   = "capacity"
	CodeProtocol   = "protocol"
	CodeInternal   = "internal"
)

// ErrorFor classifies err into an ErrorMessage
func ErrorFor(err error) ErrorMessage {
	code := CodeInternal
	switch {
	case domain.IsValidation(err):
		code = CodeValidation
	case domain.IsNotFound(err):
		code = CodeNotFound
	case domain.IsCapacityExceeded(err):
		code = CodeCapacity
	}
	return ErrorMessage{Code: code, Message: err.Error()}
}
