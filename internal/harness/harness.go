package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/roach88/secsync/internal/crypto"
	"github.com/roach88/secsync/internal/engine"
	"github.com/roach88/secsync/internal/relay"
	"github.com/roach88/secsync/internal/store"
)

const (
	settlePoll    = 10 * time.Millisecond
	settleQuiet   = 8
	settleTimeout = 5 * time.Second
)

// Harness holds the running relay and clients of one scenario.
type Harness struct {
	scenario *Scenario
	store    *store.Store
	relay    *relay.Relay
	server   *httptest.Server

	rec     *recorder
	order   []string
	clients map[string]*client
}

// Run executes a scenario and returns the result.
//
// Each run gets its own relay and database, so scenarios never see each
// other's documents. A non-nil error means the scenario could not be
// executed at all; assertion failures are reported in the result.
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario)
}

// RunContext is Run with a parent context that bounds every client.
func RunContext(ctx context.Context, scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "secsync-harness-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	st, err := store.Open(filepath.Join(dir, "relay.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	rl := relay.New(st,
		relay.WithAutoCreate(scenario.autoCreate()),
		relay.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	srv := httptest.NewServer(rl.Handler())
	defer srv.Close()
	defer rl.Close()

	h := &Harness{
		scenario: scenario,
		store:    st,
		relay:    rl,
		server:   srv,
		rec:      newRecorder(),
		clients:  make(map[string]*client, len(scenario.Clients)),
	}
	defer h.stopAll()

	if err := h.createClients(); err != nil {
		return nil, err
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.executeStep(ctx, step); err != nil {
			return nil, fmt.Errorf("steps[%d] (%s %s): %w", i, step.Client, step.Action, err)
		}
		result.addTrace(TraceEvent{Client: step.Client, Type: EventStep, Detail: describeStep(step)})
		if err := h.settle(ctx); err != nil {
			return nil, fmt.Errorf("steps[%d] (%s %s): %w", i, step.Client, step.Action, err)
		}
		for _, ev := range h.rec.drain(h.order) {
			result.addTrace(ev)
		}
	}

	for _, name := range h.order {
		result.Clients[name] = h.clients[name].finalState()
	}

	actx := &AssertionContext{Ctx: ctx, Store: st, DocumentID: scenario.documentID()}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) createClients() error {
	keys := make(map[string]crypto.SigningKeyPair, len(h.scenario.Clients))
	for _, spec := range h.scenario.Clients {
		kp, err := clientKeys(spec.Seed)
		if err != nil {
			return fmt.Errorf("client %s: %w", spec.Name, err)
		}
		keys[spec.Name] = kp
	}

	url := "ws" + strings.TrimPrefix(h.server.URL, "http")
	for _, spec := range h.scenario.Clients {
		c, err := newClient(spec, h.scenario.documentID(), url, keys, h.rec)
		if err != nil {
			return err
		}
		h.clients[spec.Name] = c
		h.order = append(h.order, spec.Name)
	}
	return nil
}

func (h *Harness) executeStep(ctx context.Context, step Step) error {
	c := h.clients[step.Client]
	switch step.Action {
	case ActionConnect:
		c.start(ctx)
		c.online = true
		c.engine.Connect()
	case ActionDisconnect:
		c.online = false
		c.engine.Disconnect()
	case ActionAppend:
		if !c.running {
			c.start(ctx)
		}
		changes := make([]engine.Change, 0, len(step.Lines))
		for _, line := range step.Lines {
			changes = append(changes, c.doc.Append(line))
		}
		c.engine.AddChanges(changes...)
	case ActionEphemeral:
		if !c.running {
			return fmt.Errorf("client is not running")
		}
		c.engine.SendEphemeralMessage([]byte(step.Message))
	default:
		return fmt.Errorf("unknown action %q", step.Action)
	}
	return nil
}

// settle waits until every client has settled and no callback fired for
// a few polls in a row.
func (h *Harness) settle(ctx context.Context) error {
	deadline := time.NewTimer(settleTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(settlePoll)
	defer ticker.Stop()

	last := h.rec.count()
	quiet := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("clients did not settle within %s", settleTimeout)
		case <-ticker.C:
		}

		n := h.rec.count()
		if n != last || !h.allSettled() {
			last = n
			quiet = 0
			continue
		}
		quiet++
		if quiet >= settleQuiet {
			return nil
		}
	}
}

func (h *Harness) allSettled() bool {
	for _, c := range h.clients {
		if !c.settled() {
			return false
		}
	}
	return true
}

func (h *Harness) stopAll() {
	for _, c := range h.clients {
		c.stop()
	}
}

func describeStep(step Step) string {
	switch step.Action {
	case ActionAppend:
		return step.Action + " " + strings.Join(step.Lines, " | ")
	case ActionEphemeral:
		return step.Action + " " + step.Message
	default:
		return step.Action
	}
}
