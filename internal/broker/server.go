package broker

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/spinal/internal/events"
	"github.com/ChuLiYu/spinal/internal/queue"
	"github.com/ChuLiYu/spinal/internal/transport"
	"github.com/ChuLiYu/spinal/pkg/types"
)

// server implements transport.BrokerServer on top of the Broker.
type server struct {
	broker *Broker
}

var _ transport.BrokerServer = (*server)(nil)

// Handshake registers a node and its methods.
func (s *server) Handshake(_ context.Context, info *types.NodeInfo) (*transport.Ack, error) {
	if err := validateIdentity(info); err != nil {
		return nil, err
	}
	added := s.broker.register(*info, events.BrokerHandshake)
	return &transport.Ack{OK: true, Registered: added}, nil
}

// Heartbeat refreshes the liveness of a node. A heartbeat from a node the
// broker does not know (evicted, or broker restarted) re-registers it.
func (s *server) Heartbeat(_ context.Context, info *types.NodeInfo) (*transport.Ack, error) {
	if err := validateIdentity(info); err != nil {
		return nil, err
	}
	added := s.broker.register(*info, events.BrokerHeartbeat)
	return &transport.Ack{OK: true, Registered: added}, nil
}

// Bye removes a node immediately.
func (s *server) Bye(_ context.Context, req *transport.ByeRequest) (*transport.Ack, error) {
	return &transport.Ack{OK: s.broker.unregister(req.ID)}, nil
}

// Route returns the next provider for a method key.
func (s *server) Route(_ context.Context, req *transport.RouteRequest) (*transport.RouteReply, error) {
	node, ok := s.broker.router.Next(req.Key)
	if !ok {
		return &transport.RouteReply{Found: false}, nil
	}
	return &transport.RouteReply{Found: true, Node: &node}, nil
}

// Nodes lists visible nodes.
func (s *server) Nodes(_ context.Context, _ *transport.Empty) (*transport.NodesReply, error) {
	return &transport.NodesReply{Nodes: s.broker.router.Nodes(false)}, nil
}

// Enqueue submits a job to the queue.
func (s *server) Enqueue(ctx context.Context, job *types.Job) (*transport.EnqueueReply, error) {
	id, err := s.broker.queue.Enqueue(ctx, *job)
	switch {
	case err == nil:
		return &transport.EnqueueReply{ID: id}, nil
	case errors.Is(err, types.ErrInvalidPayload), errors.Is(err, types.ErrConfiguration):
		return nil, status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, queue.ErrDuplicateJob):
		return nil, status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, queue.ErrStopped):
		return nil, status.Error(codes.Unavailable, err.Error())
	default:
		return nil, status.Error(codes.Internal, err.Error())
	}
}

// QueueStats reports job counts and live workers per job type.
func (s *server) QueueStats(_ context.Context, _ *transport.Empty) (*types.QueueStats, error) {
	stats := s.broker.queue.Stats()
	return &stats, nil
}

func validateIdentity(info *types.NodeInfo) error {
	switch {
	case info.ID == "":
		return status.Error(codes.InvalidArgument, "node id is required")
	case info.Namespace == "":
		return status.Error(codes.InvalidArgument, "namespace is required")
	case types.IsReservedNamespace(info.Namespace):
		return status.Errorf(codes.InvalidArgument, "namespace %q is reserved", info.Namespace)
	case info.Port <= 0:
		return status.Error(codes.InvalidArgument, "port is required")
	}
	return nil
}
