package harness

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/roach88/secsync/internal/crypto"
	"github.com/roach88/secsync/internal/ir"
	"github.com/roach88/secsync/internal/proof"
	"github.com/roach88/secsync/internal/store"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s", event.Seq, event.Client, event.Type)
			if event.SnapshotID != "" {
				fmt.Fprintf(&buf, " %s", event.SnapshotID)
			}
			if event.Clock != nil {
				fmt.Fprintf(&buf, " clock=%d", *event.Clock)
			}
			if event.Detail != "" {
				fmt.Fprintf(&buf, " %s", event.Detail)
			}
			buf.WriteByte('\n')
		}
	}

	return buf.String()
}

// AssertionContext provides access to the relay's storage for assertions
// about what was persisted.
type AssertionContext struct {
	Ctx        context.Context
	Store      *store.Store
	DocumentID string
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides storage access for snapshot assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertContent:
			err = assertContent(result, assertion)
		case AssertConverged:
			err = assertConverged(result)
		case AssertState:
			err = assertClientField(result, assertion, "state", func(cs ClientState) string { return cs.State })
		case AssertDecryption:
			err = assertClientField(result, assertion, "decryption", func(cs ClientState) string { return cs.Decryption })
		case AssertErrorCode:
			err = assertErrorCode(result, assertion)
		case AssertEventCount:
			err = assertEventCount(result, assertion)
		case AssertSnapshotCount, AssertLineageValid:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: %s requires store context", i, assertion.Type)
				break
			}
			snaps, readErr := actx.Store.ReadSnapshots(actx.Ctx, actx.DocumentID)
			if readErr != nil {
				err = fmt.Errorf("assertion[%d]: read snapshots: %w", i, readErr)
				break
			}
			if assertion.Type == AssertSnapshotCount {
				err = assertSnapshotCount(snaps, assertion)
			} else {
				err = assertLineageValid(actx, snaps)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}

func clientState(result *Result, name string) (ClientState, error) {
	cs, ok := result.Clients[name]
	if !ok {
		return ClientState{}, fmt.Errorf("no final state for client %q", name)
	}
	return cs, nil
}

func assertContent(result *Result, a Assertion) error {
	cs, err := clientState(result, a.Client)
	if err != nil {
		return err
	}
	if slices.Equal(cs.Lines, a.Lines) {
		return nil
	}
	return &AssertionError{
		Type:     AssertContent,
		Expected: fmt.Sprintf("%s has lines %q", a.Client, a.Lines),
		Actual:   fmt.Sprintf("%q", cs.Lines),
		Trace:    result.Trace,
	}
}

// assertConverged checks that every client with a loaded document holds
// the same lines.
func assertConverged(result *Result) error {
	names := slices.Sorted(maps.Keys(result.Clients))

	var first string
	var want []string
	for _, name := range names {
		cs := result.Clients[name]
		if !cs.DocumentLoaded {
			continue
		}
		if first == "" {
			first, want = name, cs.Lines
			continue
		}
		if !slices.Equal(cs.Lines, want) {
			return &AssertionError{
				Type:     AssertConverged,
				Expected: fmt.Sprintf("%s has the same lines as %s: %q", name, first, want),
				Actual:   fmt.Sprintf("%q", cs.Lines),
				Trace:    result.Trace,
			}
		}
	}
	if first == "" {
		return &AssertionError{
			Type:     AssertConverged,
			Expected: "at least one client with a loaded document",
			Actual:   "none loaded",
		}
	}
	return nil
}

func assertClientField(result *Result, a Assertion, what string, get func(ClientState) string) error {
	cs, err := clientState(result, a.Client)
	if err != nil {
		return err
	}
	if got := get(cs); got != a.Expect {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%s %s %s", a.Client, what, a.Expect),
			Actual:   got,
			Trace:    result.Trace,
		}
	}
	return nil
}

func assertErrorCode(result *Result, a Assertion) error {
	cs, err := clientState(result, a.Client)
	if err != nil {
		return err
	}
	if slices.Contains(cs.Errors, a.Code) || slices.Contains(cs.EphemeralErrors, a.Code) {
		return nil
	}
	return &AssertionError{
		Type:     AssertErrorCode,
		Expected: fmt.Sprintf("%s recorded error %d", a.Client, a.Code),
		Actual:   fmt.Sprintf("errors %v, ephemeral errors %v", cs.Errors, cs.EphemeralErrors),
	}
}

func assertEventCount(result *Result, a Assertion) error {
	got := len(result.EventsFor(a.Client, a.Event))
	if got == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertEventCount,
		Expected: fmt.Sprintf("%s has %d %s events", a.Client, a.Count, a.Event),
		Actual:   fmt.Sprintf("%d events", got),
		Trace:    result.Trace,
	}
}

func assertSnapshotCount(snaps []ir.Snapshot, a Assertion) error {
	if len(snaps) == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertSnapshotCount,
		Expected: fmt.Sprintf("%d stored snapshots", a.Count),
		Actual:   fmt.Sprintf("%d stored snapshots", len(snaps)),
	}
}

// assertLineageValid checks that the stored snapshots start at a root
// and that each one is signed and proves the one before it.
func assertLineageValid(actx *AssertionContext, snaps []ir.Snapshot) error {
	fail := func(format string, args ...any) error {
		return &AssertionError{
			Type:     AssertLineageValid,
			Expected: "a signed chain of snapshots from a root",
			Actual:   fmt.Sprintf(format, args...),
		}
	}

	if len(snaps) == 0 {
		return fail("no snapshots stored")
	}
	for i, snap := range snaps {
		pub := snap.PublicData
		if !crypto.Verify(pub.PubKey, crypto.DomainSnapshot, ir.SigningPayload(snap.Ciphertext, snap.Nonce, pub.ToIR()), snap.Signature) {
			return fail("snapshot %s has an invalid signature", pub.SnapshotID)
		}
		if i == 0 {
			if pub.ParentSnapshotID != "" || pub.ParentSnapshotProof != proof.RootProof() {
				return fail("first snapshot %s is not a root", pub.SnapshotID)
			}
			continue
		}
		parent := snaps[i-1]
		if pub.ParentSnapshotID != parent.PublicData.SnapshotID || !proof.IsValidParent(proof.EntryFor(parent), pub) {
			return fail("snapshot %s does not prove parent %s", pub.SnapshotID, parent.PublicData.SnapshotID)
		}
		clocks, err := actx.Store.UpdateClocks(actx.Ctx, parent.PublicData.SnapshotID)
		if err != nil {
			return fmt.Errorf("update clocks of %s: %w", parent.PublicData.SnapshotID, err)
		}
		if !maps.Equal(pub.ParentSnapshotUpdateClocks, clocks) {
			return fail("snapshot %s records parent clocks %v, stored %v", pub.SnapshotID, pub.ParentSnapshotUpdateClocks, clocks)
		}
	}
	return nil
}
