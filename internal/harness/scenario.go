package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/secsync/internal/engine"
)

// Scenario defines a sync scenario: a set of clients editing one document
// through a relay, the steps they take, and what must hold afterwards.
type Scenario struct {
	// Name uniquely identifies this scenario.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Document is the document id. Defaults to "doc".
	Document string `yaml:"document,omitempty"`

	// AutoCreate lets the relay create the document on first connect.
	// Defaults to true.
	AutoCreate *bool `yaml:"auto_create,omitempty"`

	// Clients are the participants, in trace order.
	Clients []ClientSpec `yaml:"clients"`

	// Steps run one at a time. The harness waits for every client to
	// settle before the next step.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final clients and relay storage.
	Assertions []Assertion `yaml:"assertions"`
}

// ClientSpec configures one participant.
type ClientSpec struct {
	Name string `yaml:"name"`

	// Seed derives the client's signing key. Must be unique and non-zero.
	Seed byte `yaml:"seed"`

	// KeySeed derives the document key. Defaults to the scenario's shared
	// key; set it to give a client the wrong key.
	KeySeed byte `yaml:"key_seed,omitempty"`

	// SnapshotEvery asks for a snapshot after this many updates on the
	// active snapshot. Zero never asks.
	SnapshotEvery int `yaml:"snapshot_every,omitempty"`

	// Allow lists the client names whose snapshots, updates and ephemeral
	// messages this client accepts. Empty accepts everyone.
	Allow []string `yaml:"allow,omitempty"`
}

// Step is one action taken by one client.
type Step struct {
	// Action is one of connect, disconnect, append, ephemeral.
	Action string `yaml:"action"`
	Client string `yaml:"client"`

	// Lines are appended by an append step, as a single batch.
	Lines []string `yaml:"lines,omitempty"`

	// Message is sent by an ephemeral step.
	Message string `yaml:"message,omitempty"`
}

// Step actions.
const (
	ActionConnect    = "connect"
	ActionDisconnect = "disconnect"
	ActionAppend     = "append"
	ActionEphemeral  = "ephemeral"
)

// Assertion validates a client or the relay's storage.
type Assertion struct {
	// Type specifies the assertion type:
	// - "content": client's lines equal Lines
	// - "converged": every client with a loaded document has the same text
	// - "state": client's connection state equals Expect
	// - "decryption": client's decryption state equals Expect
	// - "error_code": client recorded an error with Code
	// - "event_count": client's trace has Count events of type Event
	// - "snapshot_count": the relay stored Count snapshots
	// - "lineage_valid": the stored snapshots form a valid proof chain
	Type string `yaml:"type"`

	Client string   `yaml:"client,omitempty"`
	Expect string   `yaml:"expect,omitempty"`
	Lines  []string `yaml:"lines,omitempty"`
	Code   int      `yaml:"code,omitempty"`
	Event  string   `yaml:"event,omitempty"`
	Count  int      `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertContent       = "content"
	AssertConverged     = "converged"
	AssertState         = "state"
	AssertDecryption    = "decryption"
	AssertErrorCode     = "error_code"
	AssertEventCount    = "event_count"
	AssertSnapshotCount = "snapshot_count"
	AssertLineageValid  = "lineage_valid"
)

const (
	defaultDocument = "doc"
	defaultKeySeed  = 0x5e
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Parse YAML with strict field validation (catches typos like "assertion:" vs "assertions:")
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// documentID returns the scenario's document id.
func (s *Scenario) documentID() string {
	if s.Document == "" {
		return defaultDocument
	}
	return s.Document
}

func (s *Scenario) autoCreate() bool {
	return s.AutoCreate == nil || *s.AutoCreate
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Clients) == 0 {
		return fmt.Errorf("clients list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	names := make(map[string]bool, len(s.Clients))
	seeds := make(map[byte]bool, len(s.Clients))
	for i, c := range s.Clients {
		if c.Name == "" {
			return fmt.Errorf("clients[%d]: name is required", i)
		}
		if names[c.Name] {
			return fmt.Errorf("clients[%d]: duplicate name %q", i, c.Name)
		}
		if c.Seed == 0 {
			return fmt.Errorf("clients[%d]: seed is required", i)
		}
		if seeds[c.Seed] {
			return fmt.Errorf("clients[%d]: duplicate seed %d", i, c.Seed)
		}
		if c.SnapshotEvery < 0 {
			return fmt.Errorf("clients[%d]: snapshot_every must be non-negative", i)
		}
		names[c.Name] = true
		seeds[c.Seed] = true
	}
	for i, c := range s.Clients {
		for _, a := range c.Allow {
			if !names[a] {
				return fmt.Errorf("clients[%d]: allow names unknown client %q", i, a)
			}
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(i, step, names); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion, names); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, step Step, clients map[string]bool) error {
	if !clients[step.Client] {
		return fmt.Errorf("steps[%d]: unknown client %q", index, step.Client)
	}
	switch step.Action {
	case ActionConnect, ActionDisconnect:
	case ActionAppend:
		if len(step.Lines) == 0 {
			return fmt.Errorf("steps[%d]: lines are required for append", index)
		}
	case ActionEphemeral:
		if step.Message == "" {
			return fmt.Errorf("steps[%d]: message is required for ephemeral", index)
		}
	case "":
		return fmt.Errorf("steps[%d]: action is required", index)
	default:
		return fmt.Errorf("steps[%d]: unknown action %q", index, step.Action)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, clients map[string]bool) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	needsClient := func() error {
		if !clients[a.Client] {
			return fmt.Errorf("assertions[%d]: %s requires a known client, got %q", index, a.Type, a.Client)
		}
		return nil
	}

	switch a.Type {
	case AssertContent:
		return needsClient()
	case AssertState:
		if err := needsClient(); err != nil {
			return err
		}
		switch engine.State(a.Expect) {
		case engine.StateDisconnected, engine.StateConnecting, engine.StateConnected, engine.StateFailed, engine.StateNoAccess:
		default:
			return fmt.Errorf("assertions[%d]: unknown state %q", index, a.Expect)
		}
	case AssertDecryption:
		if err := needsClient(); err != nil {
			return err
		}
		switch engine.DecryptionState(a.Expect) {
		case engine.DecryptionPending, engine.DecryptionPartial, engine.DecryptionComplete, engine.DecryptionFailed:
		default:
			return fmt.Errorf("assertions[%d]: unknown decryption state %q", index, a.Expect)
		}
	case AssertErrorCode:
		if err := needsClient(); err != nil {
			return err
		}
		if a.Code == 0 {
			return fmt.Errorf("assertions[%d]: code is required for error_code", index)
		}
	case AssertEventCount:
		if err := needsClient(); err != nil {
			return err
		}
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for event_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for event_count", index)
		}
	case AssertSnapshotCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for snapshot_count", index)
		}
	case AssertConverged, AssertLineageValid:
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
