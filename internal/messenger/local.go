// ABOUTME: Single-process messenger bridging the agent and application roles
// ABOUTME: that live in the same process, with deferred FIFO delivery.

package messenger

import (
	"log/slog"
	"os"
	"strconv"
	"sync"

	"github.com/2389/egg/internal/envelope"
	"github.com/2389/egg/internal/events"
	"github.com/2389/egg/internal/metrics"
)

const transportLocal = "local"

// Pair is the shared parent of the agent and application Local messengers.
// It owns the delivery loop that stands in for a next-tick queue: sends are
// never delivered on the caller's stack, and deliveries run in send order.
type Pair struct {
	mu    sync.RWMutex
	agent *Local
	app   *Local
	queue *loop
}

// NewPair creates an empty pair and starts its delivery loop.
func NewPair() *Pair {
	p := &Pair{queue: newLoop()}
	go p.queue.run()
	return p
}

// Agent returns the attached agent messenger, or nil.
func (p *Pair) Agent() *Local {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.agent
}

// App returns the attached application messenger, or nil.
func (p *Pair) App() *Local {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.app
}

func (p *Pair) attach(l *Local) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l.role == envelope.RoleAgent {
		p.agent = l
	} else {
		p.app = l
	}
}

func (p *Pair) detach(l *Local) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.agent == l {
		p.agent = nil
	}
	if p.app == l {
		p.app = nil
	}
}

// Close stops the delivery loop. Pending deliveries are discarded.
func (p *Pair) Close() {
	p.queue.close()
}

// Local is the messenger used in single mode.
//
// Since single mode has exactly one worker of each role and both share one
// process id, SendTo(id) means "both roles" when id is this process and
// nothing otherwise.
type Local struct {
	*events.Emitter

	role   envelope.Role
	pid    string
	parent *Pair
	logger *slog.Logger
}

// NewLocal creates a messenger for role and attaches it to parent. An empty
// pid defaults to the current process id.
func NewLocal(role envelope.Role, parent *Pair, pid string, logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	if pid == "" {
		pid = strconv.Itoa(os.Getpid())
	}
	l := &Local{
		role:   role,
		pid:    pid,
		parent: parent,
		logger: logger.With("component", "messenger", "role", role.String(), "transport", transportLocal),
	}
	l.Emitter = events.NewEmitter(l.logger)
	parent.attach(l)
	return l
}

func (l *Local) PID() string { return l.pid }

func (l *Local) Broadcast(action string, data any) Messenger {
	return l.Send(action, data, envelope.ToBoth)
}

func (l *Local) SendTo(workerID, action string, data any) Messenger {
	if workerID != l.pid {
		return l
	}
	return l.Send(action, data, envelope.ToBoth)
}

func (l *Local) SendRandom(action string, data any) Messenger {
	return l.Send(action, data, envelope.ToOpposite)
}

func (l *Local) SendToApp(action string, data any) Messenger {
	return l.Send(action, data, envelope.ToApplication)
}

func (l *Local) SendToAgent(action string, data any) Messenger {
	return l.Send(action, data, envelope.ToAgent)
}

func (l *Local) Send(action string, data any, to envelope.Target) Messenger {
	if to == "" {
		if l.role == envelope.RoleApplication {
			to = envelope.ToAgent
		} else {
			to = envelope.ToApplication
		}
	}
	metrics.MessagesSent.WithLabelValues(l.role.String(), transportLocal).Inc()
	l.parent.queue.push(func() {
		l.deliver(action, data, to)
	})
	return l
}

func (l *Local) deliver(action string, data any, to envelope.Target) {
	var targets []*Local
	switch to {
	case envelope.ToApplication, envelope.ToApp:
		targets = append(targets, l.parent.App())
	case envelope.ToAgent:
		targets = append(targets, l.parent.Agent())
	case envelope.ToBoth:
		targets = append(targets, l.parent.Agent(), l.parent.App())
	case envelope.ToOpposite:
		if l.role == envelope.RoleAgent {
			targets = append(targets, l.parent.App())
		} else {
			targets = append(targets, l.parent.Agent())
		}
	default:
		l.logger.Debug("no local target for envelope", "action", action, "to", to)
		return
	}

	for _, target := range targets {
		if target == nil {
			continue
		}
		target.onMessage(action, data)
	}
}

func (l *Local) onMessage(action string, data any) {
	l.logger.Debug("received message", "action", action, "pid", l.pid)
	metrics.MessagesReceived.WithLabelValues(l.role.String(), transportLocal).Inc()
	l.Emit(action, data)
}

// Close detaches from the pair and removes every listener.
func (l *Local) Close() error {
	l.parent.detach(l)
	l.RemoveAllListeners()
	return nil
}

// loop is an unbounded FIFO of deferred deliveries drained by one goroutine.
type loop struct {
	mu     sync.Mutex
	tasks  []func()
	wake   chan struct{}
	done   chan struct{}
	closed bool
}

func newLoop() *loop {
	return &loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (q *loop) push(fn func()) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *loop) run() {
	for {
		select {
		case <-q.done:
			return
		case <-q.wake:
		}
		for {
			q.mu.Lock()
			if q.closed || len(q.tasks) == 0 {
				q.mu.Unlock()
				break
			}
			fn := q.tasks[0]
			q.tasks[0] = nil
			q.tasks = q.tasks[1:]
			q.mu.Unlock()
			fn()
		}
	}
}

func (q *loop) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.tasks = nil
	close(q.done)
}
