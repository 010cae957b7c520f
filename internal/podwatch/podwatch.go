// Package podwatch observes container lifecycle events on the local
// container runtime's Engine API socket and republishes them through a
// Hook, so other components (or just the run command's logging) can react
// to containers starting and stopping without polling.
package podwatch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/SamP20/podmesh/internal/hook"
)

// DefaultSocketPath is the default location of the Docker/Podman Engine
// API socket.
const DefaultSocketPath = "/var/run/docker.sock"

// reconnectDelay is how long Run waits before retrying a dropped event
// stream.
const reconnectDelay = 2 * time.Second

// Event is a container lifecycle event observed on the runtime's event
// stream, trimmed to the fields podmesh cares about.
type Event struct {
	Action string
	ID     string
	Name   string
}

// rawEvent mirrors the subset of the Engine API's event message used here.
// https://docs.docker.com/engine/api/v1.43/#tag/System/operation/SystemEvents
type rawEvent struct {
	Status string `json:"status"`
	ID     string `json:"id"`
	From   string `json:"from"`
	Type   string `json:"Type"`
	Actor  struct {
		ID         string            `json:"ID"`
		Attributes map[string]string `json:"Attributes"`
	} `json:"Actor"`
}

// Watcher streams container lifecycle events from a local Engine API
// socket and fires OnEvent for each one.
type Watcher struct {
	socketPath string
	log        *slog.Logger
	client     *http.Client

	OnEvent *hook.Hook[Event]
}

// New returns a Watcher reading events from the Engine API socket at
// socketPath. The watcher does not connect until Run is called.
func New(socketPath string, log *slog.Logger) *Watcher {
	return &Watcher{
		socketPath: socketPath,
		log:        log.With("component", "podwatch"),
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
		OnEvent: hook.New[Event](),
	}
}

// Run streams container events until ctx is cancelled, reconnecting after
// transient failures. It returns nil when ctx is cancelled, or an error if
// it cannot reach the socket at all on the first attempt.
func (w *Watcher) Run(ctx context.Context) error {
	firstAttempt := true
	for {
		connected, err := w.streamOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if firstAttempt && !connected {
			return fmt.Errorf("connecting to container runtime socket %s: %w", w.socketPath, err)
		}
		firstAttempt = false
		if err != nil {
			w.log.Warn("event stream interrupted, reconnecting", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

// streamOnce opens the /events endpoint and decodes messages from it
// until the connection closes or ctx is cancelled. connected reports
// whether the socket was reached and answered the request.
func (w *Watcher) streamOnce(ctx context.Context) (connected bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://podwatch/events?filters=%7B%22type%22%3A%5B%22container%22%5D%7D", nil)
	if err != nil {
		return false, err
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return true, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	dec := json.NewDecoder(bufio.NewReader(resp.Body))
	for {
		var raw rawEvent
		if err := dec.Decode(&raw); err != nil {
			return true, err
		}

		ev := Event{
			Action: raw.Status,
			ID:     raw.ID,
			Name:   raw.Actor.Attributes["name"],
		}
		if ev.ID == "" {
			ev.ID = raw.Actor.ID
		}
		w.OnEvent.Fire(ev)
	}
}
