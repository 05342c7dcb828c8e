// ABOUTME: gRPC service through which followers in other processes reach a leader.
// ABOUTME: One bidirectional Connect stream per follower, msgpack frames, heartbeat checks.

package clusterclient

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
)

const connectMethod = "/egg.cluster.ClusterClient/Connect"

type connectHandler interface {
	Connect(stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "egg.cluster.ClusterClient",
	HandlerType: (*connectHandler)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			ServerStreams: true,
			ClientStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				return srv.(connectHandler).Connect(stream)
			},
		},
	},
	Metadata: "egg/cluster.proto",
}

// Server exposes the leaders of a Hub to follower processes.
type Server struct {
	hub            *Hub
	logger         *slog.Logger
	interval       time.Duration
	checkHeartbeat bool
}

// NewServer creates a Server for hub.
func NewServer(hub *Hub, opts Options) *Server {
	opts = opts.withDefaults()
	return &Server{
		hub:            hub,
		logger:         opts.Logger.With("component", "cluster_server"),
		interval:       opts.HeartbeatInterval,
		checkHeartbeat: opts.IsCheckHeartbeat,
	}
}

// newGRPCServer builds the grpc.Server the leader listens with.
func newGRPCServer(s *Server) *grpc.Server {
	gs := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	gs.RegisterService(&serviceDesc, s)
	return gs
}

// session is one connected follower.
type session struct {
	id     string
	stream grpc.ServerStream

	mu     sync.Mutex
	closed bool
}

func (s *session) send(f *Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClientClosed
	}
	return s.stream.SendMsg(f)
}

func (s *session) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Connect serves one follower.
// Protocol flow:
// 1. Follower sends a register frame naming the client and itself
// 2. Follower sends invoke, subscribe and ping frames
// 3. Leader answers with response, changed and pong frames
func (s *Server) Connect(stream grpc.ServerStream) error {
	var reg Frame
	if err := stream.RecvMsg(&reg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return status.Errorf(codes.Internal, "receiving register frame: %v", err)
	}
	if reg.Kind != kindRegister || reg.Client == "" || reg.Follower == "" {
		return status.Error(codes.InvalidArgument, "first frame must register a client and follower")
	}
	l, ok := s.hub.lookup(reg.Client)
	if !ok {
		return status.Errorf(codes.NotFound, "no leader for client %q", reg.Client)
	}

	logger := s.logger.With("client", reg.Client, "follower", reg.Follower)
	sess := &session{id: reg.Follower, stream: stream}
	defer func() {
		sess.close()
		l.drop(sess.id)
	}()
	logger.Info("follower connected")

	ctx := stream.Context()
	frames := make(chan *Frame)
	recvErr := make(chan error, 1)
	go func() {
		for {
			f := new(Frame)
			if err := stream.RecvMsg(f); err != nil {
				recvErr <- err
				return
			}
			select {
			case frames <- f:
			case <-ctx.Done():
				return
			}
		}
	}()

	var tick <-chan time.Time
	if s.checkHeartbeat {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	lastSeen := time.Now()

	for {
		select {
		case f := <-frames:
			lastSeen = time.Now()
			s.handle(ctx, l, sess, f, logger)

		case err := <-recvErr:
			if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
				logger.Info("follower disconnected")
				return nil
			}
			logger.Warn("receiving frame", "error", err)
			return status.Errorf(codes.Internal, "receiving frame: %v", err)

		case <-tick:
			if silent := time.Since(lastSeen); silent > missedHeartbeats*s.interval {
				logger.Warn("follower heartbeat lost, dropping", "silent", silent)
				return status.Error(codes.DeadlineExceeded, "heartbeat timeout")
			}

		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Server) handle(ctx context.Context, l *leader, sess *session, f *Frame, logger *slog.Logger) {
	switch f.Kind {
	case kindInvoke:
		go func() {
			resp := &Frame{Kind: kindResponse, ID: f.ID}
			value, err := l.invoke(ctx, f.Method, f.Args)
			if err != nil {
				resp.Error = err.Error()
			} else {
				resp.Success = true
				resp.Value = value
			}
			if err := sess.send(resp); err != nil {
				logger.Debug("dropping response for gone follower", "id", f.ID, "error", err)
			}
		}()

	case kindSubscribe:
		err := l.subscribe(f.Info, sess.id, func(key string, info any, value any) {
			if err := sess.send(&Frame{Kind: kindChanged, Key: key, Info: info, Value: value}); err != nil {
				logger.Debug("dropping push for gone follower", "key", key, "error", err)
			}
		})
		if err != nil {
			logger.Warn("subscribe failed", "error", err)
		}

	case kindPing:
		if err := sess.send(&Frame{Kind: kindPong}); err != nil {
			logger.Debug("sending pong", "error", err)
		}

	case kindRegister:
		logger.Warn("received duplicate registration")

	default:
		logger.Warn("received unknown frame kind", "kind", f.Kind)
	}
}
