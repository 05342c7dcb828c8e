// ABOUTME: File watcher owned by the agent and served to application workers:
// ABOUTME: subscriptions by path receive a Change for every fsnotify event.

package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/2389/egg/internal/envelope"
	"github.com/2389/egg/internal/events"
)

// Name is the worker-client name the watcher is served under.
const Name = "watcher"

var (
	// ErrUnknownMethod is returned by Invoke for methods the watcher lacks.
	ErrUnknownMethod = errors.New("watcher: unknown method")
	// ErrNoPath is returned when a subscription names no path.
	ErrNoPath = errors.New("watcher: subscription needs a path")
)

// Change is one file system event.
type Change struct {
	Path string `json:"path"`
	Op   string `json:"op"`
}

// Watcher fans fsnotify events out to per-path listeners.
type Watcher struct {
	w         *fsnotify.Watcher
	logger    *slog.Logger
	listeners *events.Emitter

	mu    sync.Mutex
	paths map[string]struct{}

	done chan struct{}
}

// New starts a watcher with nothing watched.
func New(logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	logger = logger.With("component", "watcher")
	w := &Watcher{
		w:         fw,
		logger:    logger,
		listeners: events.NewEmitter(logger),
		paths:     make(map[string]struct{}),
		done:      make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.w.Events:
			if !ok {
				return
			}
			w.dispatch(ev)
		case err, ok := <-w.w.Errors:
			if !ok {
				return
			}
			w.logger.Warn("fsnotify error", "error", err)
		}
	}
}

// dispatch delivers ev to listeners of the path itself and of its directory.
func (w *Watcher) dispatch(ev fsnotify.Event) {
	change := Change{Path: ev.Name, Op: ev.Op.String()}
	name := filepath.Clean(ev.Name)
	dir := filepath.Dir(name)

	w.mu.Lock()
	_, watchingName := w.paths[name]
	_, watchingDir := w.paths[dir]
	w.mu.Unlock()

	if watchingName {
		w.listeners.Emit(name, change)
	}
	if watchingDir && dir != name {
		w.listeners.Emit(dir, change)
	}
}

// Subscribe watches {"path": p} and delivers a Change for every event on p,
// or on any direct child of p when p is a directory.
func (w *Watcher) Subscribe(info any, listener func(value any)) error {
	var req struct {
		Path string `json:"path"`
	}
	if err := envelope.DecodeData(info, &req); err != nil || req.Path == "" {
		return ErrNoPath
	}
	path, err := filepath.Abs(req.Path)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", req.Path, err)
	}

	w.mu.Lock()
	_, watching := w.paths[path]
	w.mu.Unlock()
	if !watching {
		if err := w.w.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		w.mu.Lock()
		w.paths[path] = struct{}{}
		w.mu.Unlock()
		w.logger.Info("watching path", "path", path)
	}

	w.listeners.On(path, func(v any) { listener(v) })
	return nil
}

// Invoke supports "watching", which lists the watched paths.
func (w *Watcher) Invoke(_ context.Context, method string, _ []any) (any, error) {
	switch method {
	case "watching":
		w.mu.Lock()
		paths := make([]string, 0, len(w.paths))
		for p := range w.paths {
			paths = append(paths, p)
		}
		w.mu.Unlock()
		sort.Strings(paths)
		out := make([]any, len(paths))
		for i, p := range paths {
			out[i] = p
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
}

// Close stops watching and drops every listener.
func (w *Watcher) Close() error {
	err := w.w.Close()
	<-w.done
	w.listeners.RemoveAllListeners()
	return err
}
