// ABOUTME: Health endpoints of the master: liveness always answers, readiness
// ABOUTME: waits for egg-ready and reports the live worker count.

package master

import (
	"fmt"
	"net/http"
)

// handleHealth returns OK while the master process is up.
func (m *Master) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 503 until every worker started.
func (m *Master) handleReady(w http.ResponseWriter, r *http.Request) {
	select {
	case <-m.ready:
	default:
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("starting"))
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "ready (%d workers)", len(m.Workers()))
}
