// ABOUTME: Follower side of a shared client in another process: forwards calls to the
// ABOUTME: leader over gRPC, reconnects on failure and replays its subscriptions.

package clusterclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/2389/egg/internal/envelope"
	"github.com/2389/egg/internal/events"
)

type followerSub struct {
	key  string
	info any
}

// Follower is a Client whose real counterpart lives in the leader process.
type Follower struct {
	name      string
	id        string
	opts      Options
	logger    *slog.Logger
	conn      *grpc.ClientConn
	nextID    atomic.Uint64
	values    *events.Emitter
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	sendMu    sync.Mutex
	closeOnce sync.Once

	mu      sync.Mutex
	stream  grpc.ClientStream
	up      chan struct{}
	pending map[uint64]chan *Frame
	subs    map[string]*followerSub
}

// NewFollower connects to the leader for name on opts.Port. The connection is
// established in the background; calls made before it is up wait for it.
func NewFollower(name string, opts Options) (*Follower, error) {
	if name == "" {
		return nil, ErrMissingName
	}
	opts = opts.withDefaults()

	conn, err := grpc.NewClient(opts.addr(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff: backoff.Config{
				BaseDelay:  100 * time.Millisecond,
				Multiplier: 1.6,
				Jitter:     0.2,
				MaxDelay:   max(opts.HeartbeatInterval, time.Second),
			},
			MinConnectTimeout: 5 * time.Second,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("creating leader connection: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.New().String()
	logger := opts.Logger.With("component", "cluster_follower", "client", name, "follower", id)
	f := &Follower{
		name:    name,
		id:      id,
		opts:    opts,
		logger:  logger,
		conn:    conn,
		values:  events.NewEmitter(logger),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		up:      make(chan struct{}),
		pending: make(map[uint64]chan *Frame),
		subs:    make(map[string]*followerSub),
	}
	go f.run()
	return f, nil
}

func (f *Follower) run() {
	defer close(f.done)
	delay := min(f.opts.HeartbeatInterval, time.Second)
	for {
		err := f.session()
		if f.ctx.Err() != nil {
			return
		}
		f.logger.Warn("leader connection lost, reconnecting", "error", err, "delay", delay)
		select {
		case <-time.After(delay):
		case <-f.ctx.Done():
			return
		}
	}
}

// session runs one stream to the leader until it fails.
func (f *Follower) session() error {
	ctx, cancel := context.WithCancel(f.ctx)
	defer cancel()

	stream, err := f.conn.NewStream(ctx, &serviceDesc.Streams[0], connectMethod)
	if err != nil {
		return fmt.Errorf("opening stream: %w", err)
	}
	if err := stream.SendMsg(&Frame{Kind: kindRegister, Client: f.name, Follower: f.id}); err != nil {
		return fmt.Errorf("registering: %w", err)
	}

	f.mu.Lock()
	f.stream = stream
	close(f.up)
	subs := make([]*followerSub, 0, len(f.subs))
	for _, s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.stream = nil
		f.up = make(chan struct{})
		f.mu.Unlock()
	}()

	for _, s := range subs {
		if err := f.write(stream, &Frame{Kind: kindSubscribe, Key: s.key, Info: s.info}); err != nil {
			return fmt.Errorf("replaying subscription: %w", err)
		}
	}
	if len(subs) > 0 {
		f.logger.Info("subscriptions replayed", "count", len(subs))
	}

	go f.heartbeat(ctx, stream)

	for {
		frame := new(Frame)
		if err := stream.RecvMsg(frame); err != nil {
			return err
		}
		f.dispatch(frame)
	}
}

func (f *Follower) heartbeat(ctx context.Context, stream grpc.ClientStream) {
	ticker := time.NewTicker(f.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := f.write(stream, &Frame{Kind: kindPing}); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (f *Follower) write(stream grpc.ClientStream, frame *Frame) error {
	f.sendMu.Lock()
	defer f.sendMu.Unlock()
	return stream.SendMsg(frame)
}

// send writes frame on the current stream, waiting for a connection.
func (f *Follower) send(ctx context.Context, frame *Frame) error {
	for {
		f.mu.Lock()
		stream, up := f.stream, f.up
		f.mu.Unlock()
		if stream != nil {
			return f.write(stream, frame)
		}
		select {
		case <-up:
		case <-ctx.Done():
			return ctx.Err()
		case <-f.ctx.Done():
			return ErrClientClosed
		}
	}
}

func (f *Follower) dispatch(frame *Frame) {
	switch frame.Kind {
	case kindResponse:
		f.mu.Lock()
		ch, ok := f.pending[frame.ID]
		delete(f.pending, frame.ID)
		f.mu.Unlock()
		if !ok {
			f.logger.Warn("received response for unknown invoke, it may have timed out", "id", frame.ID)
			return
		}
		ch <- frame
	case kindChanged:
		f.values.Emit(frame.Key, frame.Value)
	case kindPong:
		f.logger.Debug("pong")
	default:
		f.logger.Warn("received unknown frame kind", "kind", frame.Kind)
	}
}

// Invoke calls method on the leader's real client.
func (f *Follower) Invoke(ctx context.Context, method string, args []any) (any, error) {
	if f.ctx.Err() != nil {
		return nil, ErrClientClosed
	}
	ctx, cancel := context.WithTimeout(ctx, f.opts.ResponseTimeout)
	defer cancel()

	id := f.nextID.Add(1)
	ch := make(chan *Frame, 1)
	f.mu.Lock()
	f.pending[id] = ch
	f.mu.Unlock()
	forget := func() {
		f.mu.Lock()
		delete(f.pending, id)
		f.mu.Unlock()
	}

	if err := f.send(ctx, &Frame{Kind: kindInvoke, ID: id, Method: method, Args: args}); err != nil {
		forget()
		return nil, f.callError(ctx, method, err)
	}

	select {
	case resp := <-ch:
		if !resp.Success {
			return nil, fmt.Errorf("%s.%s: %s", f.name, method, resp.Error)
		}
		return resp.Value, nil
	case <-ctx.Done():
		forget()
		return nil, f.callError(ctx, method, ctx.Err())
	case <-f.ctx.Done():
		forget()
		return nil, ErrClientClosed
	}
}

func (f *Follower) callError(ctx context.Context, method string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s.%s after %s: %w", f.name, method, f.opts.ResponseTimeout, ErrResponseTimeout)
	}
	return err
}

// Subscribe registers listener for info. The leader is told once per key, and
// again after every reconnect.
func (f *Follower) Subscribe(info any, listener func(value any)) error {
	key, err := envelope.SubscriptionKey(info)
	if err != nil {
		return err
	}
	f.values.On(key, listener)

	f.mu.Lock()
	_, known := f.subs[key]
	if !known {
		f.subs[key] = &followerSub{key: key, info: info}
	}
	stream := f.stream
	f.mu.Unlock()

	if known || stream == nil {
		return nil
	}
	return f.write(stream, &Frame{Kind: kindSubscribe, Key: key, Info: info})
}

// Connected reports whether a stream to the leader is currently open.
func (f *Follower) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stream != nil
}

// Close stops reconnecting and closes the connection.
func (f *Follower) Close() error {
	var err error
	f.closeOnce.Do(func() {
		f.cancel()
		<-f.done
		f.values.RemoveAllListeners()
		err = f.conn.Close()
	})
	return err
}
