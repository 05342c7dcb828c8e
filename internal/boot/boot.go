// ABOUTME: Default boot functions: the agent owns the registry and file watcher,
// ABOUTME: application workers follow the registry and watch configured paths.

package boot

import (
	"context"
	"fmt"

	"github.com/2389/egg/internal/clusterclient"
	"github.com/2389/egg/internal/envelope"
	"github.com/2389/egg/internal/registry"
	"github.com/2389/egg/internal/watcher"
	"github.com/2389/egg/internal/worker"
)

// WorkersKeyPrefix prefixes the registry key each application publishes
// itself under once the cluster is ready.
const WorkersKeyPrefix = "workers/"

// Default boots both roles with the built-in clients.
var Default = worker.Boot{Agent: Agent, App: App}

// Agent creates the registry leader and serves the file watcher.
func Agent(_ context.Context, w *worker.Worker) error {
	path := w.Config().Registry.Path
	if _, err := w.ClusterClients().Create(registry.Name, func() (clusterclient.Client, error) {
		return registry.Open(path, w.Logger())
	}); err != nil {
		return fmt.Errorf("creating registry: %w", err)
	}

	fw, err := watcher.New(w.Logger())
	if err != nil {
		return err
	}
	if _, err := w.ServeAgentWorkerClient(watcher.Name, fw); err != nil {
		fw.Close()
		return fmt.Errorf("serving watcher: %w", err)
	}
	return nil
}

// App follows the registry, watches the configured paths through the agent
// and announces itself in the registry after egg-ready.
func App(ctx context.Context, w *worker.Worker) error {
	logger := w.Logger()

	reg, err := w.ClusterClients().Create(registry.Name, nil)
	if err != nil {
		return fmt.Errorf("following registry: %w", err)
	}

	fw, err := w.AppWorkerClient(watcher.Name)
	if err != nil {
		return fmt.Errorf("creating watcher client: %w", err)
	}
	for _, p := range w.Config().Watcher.Paths {
		if _, err := fw.Subscribe(map[string]any{"path": p}, func(v any) {
			var c watcher.Change
			if err := envelope.DecodeData(v, &c); err != nil {
				logger.Warn("malformed change", "error", err)
				return
			}
			logger.Info("file changed", "path", c.Path, "op", c.Op)
		}); err != nil {
			return fmt.Errorf("watching %s: %w", p, err)
		}
	}

	pid := w.Messenger().PID()
	go func() {
		if err := w.WaitReady(ctx); err != nil {
			return
		}
		key := WorkersKeyPrefix + pid
		if _, err := reg.Invoke(ctx, "publish", []any{key, map[string]any{"pid": pid, "role": w.Role().String()}}); err != nil {
			logger.Warn("publishing worker to registry", "key", key, "error", err)
			return
		}
		logger.Debug("published worker to registry", "key", key)
	}()
	return nil
}
