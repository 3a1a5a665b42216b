// Package connector moves dispatcher envelopes between worlds.
package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/conductor/internal/dispatch"
)

// ErrUnknownReceiver is returned when no listening world matches an
// envelope's receiver.
var ErrUnknownReceiver = errors.New("unknown receiver")

// RequestHandler takes requests addressed to an executor world.
type RequestHandler interface {
	HandleRequest(env dispatch.Envelope)
}

// ResponseHandler takes responses addressed to a client world.
type ResponseHandler interface {
	HandleResponse(env dispatch.Envelope)
}

// Endpoint is a listening world. Requests is nil for client-only worlds.
type Endpoint struct {
	WorldID   string
	Executor  bool
	Requests  RequestHandler
	Responses ResponseHandler
}

// Connector is the transport between worlds.
type Connector interface {
	StartListening(ctx context.Context, ep Endpoint) error
	StopListening(ctx context.Context, worldID string) error
	Send(ctx context.Context, env dispatch.Envelope) error
}

// Receive routes env to the dispatcher of ep that handles its kind.
func Receive(ep Endpoint, env dispatch.Envelope, logger *slog.Logger) {
	switch env.Message.(type) {
	case dispatch.Request:
		if ep.Requests == nil {
			logger.Warn("request for world without executor dropped",
				"world_id", ep.WorldID, "request_id", env.RequestID)
			return
		}
		ep.Requests.HandleRequest(env)
	case dispatch.Response:
		if ep.Responses == nil {
			logger.Warn("response for world without client dropped",
				"world_id", ep.WorldID, "request_id", env.RequestID)
			return
		}
		ep.Responses.HandleResponse(env)
	default:
		logger.Warn("envelope without message dropped", "world_id", ep.WorldID,
			"request_id", env.RequestID, "type", fmt.Sprintf("%T", env.Message))
	}
}
