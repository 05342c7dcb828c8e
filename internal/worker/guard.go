// ABOUTME: Agent-side messenger wrapper that warns about outbound calls made
// ABOUTME: before the cluster announced egg-ready; calls still go through.

package worker

import (
	"log/slog"
	"sync/atomic"

	"github.com/2389/egg/internal/envelope"
	"github.com/2389/egg/internal/messenger"
)

type guardedMessenger struct {
	messenger.Messenger
	logger *slog.Logger
	armed  atomic.Bool
}

func newGuardedMessenger(m messenger.Messenger, logger *slog.Logger) *guardedMessenger {
	g := &guardedMessenger{Messenger: m, logger: logger}
	g.armed.Store(true)
	// Prepended so the guard is lifted before any other egg-ready listener
	// gets a chance to send.
	m.Prepend(envelope.ActionReady, func(any) { g.armed.Store(false) }, true)
	return g
}

func (g *guardedMessenger) warn(method, action string) {
	if g.armed.Load() {
		g.logger.Warn("agent can't call "+method+" before server started", "action", action)
	}
}

func (g *guardedMessenger) Broadcast(action string, data any) messenger.Messenger {
	g.warn("broadcast", action)
	g.Messenger.Broadcast(action, data)
	return g
}

func (g *guardedMessenger) SendTo(workerID, action string, data any) messenger.Messenger {
	g.warn("sendTo", action)
	g.Messenger.SendTo(workerID, action, data)
	return g
}

func (g *guardedMessenger) SendRandom(action string, data any) messenger.Messenger {
	g.warn("sendRandom", action)
	g.Messenger.SendRandom(action, data)
	return g
}

func (g *guardedMessenger) SendToApp(action string, data any) messenger.Messenger {
	g.warn("sendToApp", action)
	g.Messenger.SendToApp(action, data)
	return g
}

func (g *guardedMessenger) SendToAgent(action string, data any) messenger.Messenger {
	g.warn("sendToAgent", action)
	g.Messenger.SendToAgent(action, data)
	return g
}
