// Package dispatch routes requests between client worlds and executor
// worlds. A ClientDispatcher publishes requests and tracks their responses;
// an ExecutorDispatcher accepts them and drives the local executor. Both
// talk through a connector, which moves Envelopes between worlds.
package dispatch

import (
	"github.com/roach88/conductor/internal/value"
)

// AnyExecutor is the reserved receiver id asking the connector to pick any
// live executor world.
const AnyExecutor = "*any-executor*"

// Envelope is the unit the connector moves between worlds.
type Envelope struct {
	RequestID  int64
	SenderID   string
	ReceiverID string
	Message    Message
}

// Message is implemented by every request and response.
type Message interface {
	messageType() string
}

// Request is sent from client to executor.
type Request interface {
	Message
	request()
}

// Response is sent from executor back to client.
type Response interface {
	Message
	response()
}

// Ping asks a world to answer with Pong.
type Ping struct {
	ReceiverID string `json:"receiver_id"`
}

// Execution asks an executor to execute a persisted plan.
type Execution struct {
	PlanID string `json:"plan_id"`
}

// Event delivers a payload to a suspended step. Optional events are
// dropped silently when the step cannot take them.
type Event struct {
	PlanID   string      `json:"plan_id"`
	StepID   int         `json:"step_id"`
	Payload  value.Value `json:"-"`
	Optional bool        `json:"optional,omitempty"`
}

// Accepted means the executor took the request.
type Accepted struct{}

// Failed ends a request unsuccessfully.
type Failed struct {
	Reason string `json:"reason"`
}

// Done ends a request successfully.
type Done struct{}

// Pong answers a Ping.
type Pong struct{}

func (Ping) messageType() string      { return "ping" }
func (Execution) messageType() string { return "execution" }
func (Event) messageType() string     { return "event" }
func (Accepted) messageType() string  { return "accepted" }
func (Failed) messageType() string    { return "failed" }
func (Done) messageType() string      { return "done" }
func (Pong) messageType() string      { return "pong" }

func (Ping) request()      {}
func (Execution) request() {}
func (Event) request()     {}

func (Accepted) response() {}
func (Failed) response()   {}
func (Done) response()     {}
func (Pong) response()     {}

// terminal reports whether r ends a request.
func terminal(r Response) bool {
	switch r.(type) {
	case Done, Failed, Pong:
		return true
	default:
		return false
	}
}
