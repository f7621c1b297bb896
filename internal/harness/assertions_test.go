package harness

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/secsync/internal/crypto"
	"github.com/roach88/secsync/internal/ir"
	"github.com/roach88/secsync/internal/snapshot"
	"github.com/roach88/secsync/internal/store"
	"github.com/roach88/secsync/internal/testutil"
)

func sampleResult() *Result {
	r := NewResult()
	clock := int64(0)
	r.addTrace(TraceEvent{Client: "alice", Type: EventStep, Detail: "connect"})
	r.addTrace(TraceEvent{Client: "alice", Type: "snapshot-saved", SnapshotID: "alice-1"})
	r.addTrace(TraceEvent{Client: "bob", Type: "snapshot-received", SnapshotID: "alice-1"})
	r.addTrace(TraceEvent{Client: "bob", Type: "update-saved", SnapshotID: "alice-1", Clock: &clock})
	r.Clients["alice"] = ClientState{State: "connected", Decryption: "complete", DocumentLoaded: true, Lines: []string{"a", "b"}, EphemeralErrors: []int{302}}
	r.Clients["bob"] = ClientState{State: "connected", Decryption: "complete", DocumentLoaded: true, Lines: []string{"a", "b"}}
	r.Clients["carol"] = ClientState{State: "failed", Decryption: "failed", Lines: []string{}, Errors: []int{101}}
	return r
}

func TestEvaluateAssertions_AllPass(t *testing.T) {
	assertions := []Assertion{
		{Type: AssertContent, Client: "alice", Lines: []string{"a", "b"}},
		{Type: AssertContent, Client: "carol"},
		{Type: AssertConverged},
		{Type: AssertState, Client: "carol", Expect: "failed"},
		{Type: AssertDecryption, Client: "bob", Expect: "complete"},
		{Type: AssertErrorCode, Client: "carol", Code: 101},
		{Type: AssertErrorCode, Client: "alice", Code: 302},
		{Type: AssertEventCount, Client: "bob", Event: "snapshot-received", Count: 1},
		{Type: AssertEventCount, Client: "bob", Event: "ephemeral", Count: 0},
	}

	errs := EvaluateAssertions(sampleResult(), assertions, nil)
	assert.Empty(t, errs)
}

func TestEvaluateAssertions_SomeFail(t *testing.T) {
	assertions := []Assertion{
		{Type: AssertContent, Client: "alice", Lines: []string{"b", "a"}},
		{Type: AssertState, Client: "alice", Expect: "connected"},
		{Type: AssertErrorCode, Client: "bob", Code: 215},
		{Type: AssertEventCount, Client: "alice", Event: "snapshot-saved", Count: 2},
	}

	errs := EvaluateAssertions(sampleResult(), assertions, nil)
	require.Len(t, errs, 3)
	assert.Contains(t, errs[0], "Assertion failed: content")
	assert.Contains(t, errs[1], "recorded error 215")
	assert.Contains(t, errs[2], "has 2 snapshot-saved events")
}

func TestEvaluateAssertions_UnknownType(t *testing.T) {
	errs := EvaluateAssertions(sampleResult(), []Assertion{{Type: "vibes"}}, nil)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], `unknown assertion type "vibes"`)
}

func TestEvaluateAssertions_UnknownClient(t *testing.T) {
	errs := EvaluateAssertions(sampleResult(), []Assertion{{Type: AssertState, Client: "eve", Expect: "connected"}}, nil)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], `no final state for client "eve"`)
}

func TestAssertConverged_Diverged(t *testing.T) {
	r := sampleResult()
	r.Clients["bob"] = ClientState{DocumentLoaded: true, Lines: []string{"a"}}

	errs := EvaluateAssertions(r, []Assertion{{Type: AssertConverged}}, nil)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "bob has the same lines as alice")
}

func TestAssertConverged_NothingLoaded(t *testing.T) {
	r := NewResult()
	r.Clients["alice"] = ClientState{State: "noAccess"}

	errs := EvaluateAssertions(r, []Assertion{{Type: AssertConverged}}, nil)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "none loaded")
}

func TestEvaluateAssertions_StoreWithoutContext(t *testing.T) {
	errs := EvaluateAssertions(sampleResult(), []Assertion{{Type: AssertLineageValid}}, nil)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "requires store context")
}

func TestAssertionError_ErrorFormat(t *testing.T) {
	clock := int64(4)
	err := &AssertionError{
		Type:     AssertContent,
		Expected: "alice has lines [a]",
		Actual:   "[]",
		Trace: []TraceEvent{
			{Seq: 1, Client: "alice", Type: EventStep, Detail: "connect"},
			{Seq: 2, Client: "bob", Type: "update-received", SnapshotID: "alice-1", Clock: &clock},
		},
	}

	msg := err.Error()
	assert.Contains(t, msg, "Assertion failed: content")
	assert.Contains(t, msg, "Expected: alice has lines [a]")
	assert.Contains(t, msg, "Actual: []")
	assert.Contains(t, msg, "[1] alice step connect")
	assert.Contains(t, msg, "[2] bob update-received alice-1 clock=4")
}

// storeWithChain writes a root and a child snapshot signed by seed 1.
func storeWithChain(t *testing.T, tamper bool) *AssertionContext {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	_, err = st.CreateDocument(ctx, "doc")
	require.NoError(t, err)

	signer := testutil.SigningKey(t, 1)
	key := testutil.DocumentKey(9)
	root, err := snapshot.Create(snapshot.CreateParams{
		Content:    []byte(`[]`),
		PublicData: ir.SnapshotPublicData{DocID: "doc", SnapshotID: "root"},
		Key:        key,
		SigningKey: signer,
	})
	require.NoError(t, err)
	_, err = st.WriteSnapshot(ctx, root)
	require.NoError(t, err)

	grandParentProof := root.PublicData.ParentSnapshotProof
	if tamper {
		grandParentProof = "forged"
	}
	child, err := snapshot.Create(snapshot.CreateParams{
		Content: []byte(`[]`),
		PublicData: ir.SnapshotPublicData{
			DocID:            "doc",
			SnapshotID:       "child",
			ParentSnapshotID: "root",
		},
		ParentSnapshotCiphertextHash: crypto.HashString(root.Ciphertext),
		GrandParentSnapshotProof:     grandParentProof,
		Key:                          key,
		SigningKey:                   signer,
	})
	require.NoError(t, err)
	_, err = st.WriteSnapshot(ctx, child)
	require.NoError(t, err)

	return &AssertionContext{Ctx: ctx, Store: st, DocumentID: "doc"}
}

func TestAssertLineageValid(t *testing.T) {
	actx := storeWithChain(t, false)

	errs := EvaluateAssertions(NewResult(), []Assertion{
		{Type: AssertLineageValid},
		{Type: AssertSnapshotCount, Count: 2},
	}, actx)
	assert.Empty(t, errs)
}

func TestAssertLineageValid_ForgedProof(t *testing.T) {
	actx := storeWithChain(t, true)

	errs := EvaluateAssertions(NewResult(), []Assertion{{Type: AssertLineageValid}}, actx)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "snapshot child does not prove parent root")
}

func TestAssertLineageValid_Empty(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	defer st.Close()

	errs := EvaluateAssertions(NewResult(), []Assertion{
		{Type: AssertLineageValid},
		{Type: AssertSnapshotCount, Count: 1},
	}, &AssertionContext{Ctx: ctx, Store: st, DocumentID: "doc"})
	require.Len(t, errs, 2)
	assert.Contains(t, errs[0], "no snapshots stored")
	assert.Contains(t, errs[1], "0 stored snapshots")
}
