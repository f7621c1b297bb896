package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSnapshot() Snapshot {
	return Snapshot{
		Ciphertext: "Y2lwaGVy",
		Nonce:      "bm9uY2U",
		Signature:  "c2ln",
		PublicData: SnapshotPublicData{
			DocID:                      "doc-1",
			PubKey:                     "cHVi",
			SnapshotID:                 "snap-1",
			ParentSnapshotUpdateClocks: map[string]int64{},
		},
	}
}

func TestParseInboundDocument(t *testing.T) {
	data := []byte(`{
		"type": "document",
		"snapshot": {
			"ciphertext": "Y2lwaGVy",
			"nonce": "bm9uY2U",
			"signature": "c2ln",
			"publicData": {
				"docId": "doc-1",
				"pubKey": "cHVi",
				"snapshotId": "snap-1",
				"parentSnapshotId": "",
				"parentSnapshotProof": "",
				"parentSnapshotUpdateClocks": {}
			}
		},
		"updates": [{
			"ciphertext": "dQ",
			"nonce": "bg",
			"signature": "cw",
			"publicData": {"docId": "doc-1", "pubKey": "cHVi", "refSnapshotId": "snap-1", "clock": 0},
			"serverData": {"latestVersion": 2}
		}],
		"serverData": {"latestVersion": 2}
	}`)

	msg, err := ParseInbound(data)
	require.NoError(t, err)

	doc, ok := msg.(DocumentMessage)
	require.True(t, ok, "expected DocumentMessage, got %T", msg)
	require.NotNil(t, doc.Snapshot)
	assert.Equal(t, "snap-1", doc.Snapshot.PublicData.SnapshotID)
	require.Len(t, doc.Updates, 1)
	assert.Equal(t, int64(0), doc.Updates[0].PublicData.Clock)
	require.NotNil(t, doc.ServerData)
	assert.Equal(t, int64(2), doc.ServerData.LatestVersion)
}

func TestParseInboundUnknownType(t *testing.T) {
	_, err := ParseInbound([]byte(`{"type":"bogus"}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownMessageType)
}

func TestParseInboundMissingType(t *testing.T) {
	_, err := ParseInbound([]byte(`{"snapshotId":"x"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing type")
}

func TestParseInboundMalformed(t *testing.T) {
	_, err := ParseInbound([]byte(`{"type":`))
	require.Error(t, err)
}

func TestParseInboundMissingFields(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"snapshot without snapshot", `{"type":"snapshot"}`},
		{"update without update", `{"type":"update"}`},
		{"snapshot-saved without id", `{"type":"snapshot-saved"}`},
		{"update-saved without clock", `{"type":"update-saved","snapshotId":"s"}`},
		{"update-save-failed without clock", `{"type":"update-save-failed","snapshotId":"s"}`},
		{"ephemeral without message", `{"type":"ephemeral-message"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseInbound([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestParseInboundUpdateSavedClockZero(t *testing.T) {
	msg, err := ParseInbound([]byte(`{"type":"update-saved","snapshotId":"s","clock":0}`))
	require.NoError(t, err)
	assert.Equal(t, UpdateSavedMessage{SnapshotID: "s", Clock: 0}, msg)
}

func TestInboundRoundTripPreservesVariant(t *testing.T) {
	snap := testSnapshot()
	msgs := []Inbound{
		DocumentMessage{Snapshot: &snap},
		SnapshotMessage{Snapshot: snap, SnapshotProofChain: []SnapshotProofChainEntry{{SnapshotID: "a"}}},
		SnapshotSavedMessage{SnapshotID: "snap-1", ServerData: &ServerData{LatestVersion: 4}},
		SnapshotSaveFailedMessage{Snapshot: &snap},
		UpdateSavedMessage{SnapshotID: "snap-1", Clock: 3},
		UpdateSaveFailedMessage{SnapshotID: "snap-1", Clock: 3, RequiresNewSnapshot: true},
		DocumentNotFoundMessage{},
		UnauthorizedMessage{},
		DocumentErrorMessage{Reason: "boom"},
		CustomMessage{Payload: json.RawMessage(`{"k":1}`)},
	}

	for _, msg := range msgs {
		t.Run(msg.MessageType(), func(t *testing.T) {
			data, err := MarshalInbound(msg)
			require.NoError(t, err)

			got, err := ParseInbound(data)
			require.NoError(t, err)
			assert.Equal(t, msg, got)
		})
	}
}

func TestMarshalInboundRejectsLifecycle(t *testing.T) {
	_, err := MarshalInbound(Connected{})
	assert.ErrorIs(t, err, ErrUnknownMessageType)

	_, err = MarshalInbound(Disconnected{})
	assert.ErrorIs(t, err, ErrUnknownMessageType)
}

func TestMarshalOutboundSnapshotCarriesServerVersion(t *testing.T) {
	v := int64(7)
	data, err := MarshalOutbound(OutboundSnapshot{Snapshot: testSnapshot(), LatestServerVersion: &v})
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "snapshot", raw["type"])
	assert.Equal(t, float64(7), raw["latestServerVersion"])

	got, err := ParseOutbound(data)
	require.NoError(t, err)
	out, ok := got.(OutboundSnapshot)
	require.True(t, ok)
	require.NotNil(t, out.LatestServerVersion)
	assert.Equal(t, int64(7), *out.LatestServerVersion)
}

func TestParseOutboundRejectsRelayOnlyTypes(t *testing.T) {
	_, err := ParseOutbound([]byte(`{"type":"snapshot-saved","snapshotId":"s"}`))
	assert.ErrorIs(t, err, ErrUnknownMessageType)
}

func TestOutboundUpdateRoundTrip(t *testing.T) {
	msg := OutboundUpdate{Update: Update{
		Ciphertext: "c",
		Nonce:      "n",
		Signature:  "s",
		PublicData: UpdatePublicData{DocID: "d", PubKey: "p", RefSnapshotID: "r", Clock: 0},
	}}

	data, err := MarshalOutbound(msg)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"clock":0`)

	got, err := ParseOutbound(data)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}
