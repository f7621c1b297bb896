package ir

// ServerData is metadata the relay attaches to records it has persisted.
// The relay assigns LatestVersion from a per-document monotonic counter.
type ServerData struct {
	LatestVersion int64 `json:"latestVersion"`
}

// SnapshotPublicData is the authenticated, unencrypted part of a snapshot.
type SnapshotPublicData struct {
	DocID                      string           `json:"docId"`
	PubKey                     string           `json:"pubKey"`
	SnapshotID                 string           `json:"snapshotId"`
	ParentSnapshotID           string           `json:"parentSnapshotId"`
	ParentSnapshotProof        string           `json:"parentSnapshotProof"`
	ParentSnapshotUpdateClocks map[string]int64 `json:"parentSnapshotUpdateClocks"`
}

// ToIR returns the public data as an Object for canonical encoding.
func (p SnapshotPublicData) ToIR() Object {
	return Object{
		"docId":                      String(p.DocID),
		"pubKey":                     String(p.PubKey),
		"snapshotId":                 String(p.SnapshotID),
		"parentSnapshotId":           String(p.ParentSnapshotID),
		"parentSnapshotProof":        String(p.ParentSnapshotProof),
		"parentSnapshotUpdateClocks": ClockObject(p.ParentSnapshotUpdateClocks),
	}
}

// Snapshot is a full encrypted document state plus its ancestry proof.
type Snapshot struct {
	Ciphertext string             `json:"ciphertext"`
	Nonce      string             `json:"nonce"`
	Signature  string             `json:"signature"`
	PublicData SnapshotPublicData `json:"publicData"`
	ServerData *ServerData        `json:"serverData,omitempty"`
}

// UpdatePublicData is the authenticated, unencrypted part of an update.
// Clock is part of the signed data, so it cannot be altered in transit.
type UpdatePublicData struct {
	DocID         string `json:"docId"`
	PubKey        string `json:"pubKey"`
	RefSnapshotID string `json:"refSnapshotId"`
	Clock         int64  `json:"clock"`
}

// ToIR returns the public data as an Object for canonical encoding.
func (p UpdatePublicData) ToIR() Object {
	return Object{
		"docId":         String(p.DocID),
		"pubKey":        String(p.PubKey),
		"refSnapshotId": String(p.RefSnapshotID),
		"clock":         Int(p.Clock),
	}
}

// Update is an incremental encrypted change scoped to one snapshot.
type Update struct {
	Ciphertext string           `json:"ciphertext"`
	Nonce      string           `json:"nonce"`
	Signature  string           `json:"signature"`
	PublicData UpdatePublicData `json:"publicData"`
	ServerData *ServerData      `json:"serverData,omitempty"`
}

// EphemeralPublicData is the authenticated part of an ephemeral message.
type EphemeralPublicData struct {
	DocID  string `json:"docId"`
	PubKey string `json:"pubKey"`
}

// ToIR returns the public data as an Object for canonical encoding.
func (p EphemeralPublicData) ToIR() Object {
	return Object{
		"docId":  String(p.DocID),
		"pubKey": String(p.PubKey),
	}
}

// EphemeralMessage is a short-lived, session-authenticated broadcast.
// It is never persisted by the relay.
type EphemeralMessage struct {
	Ciphertext string              `json:"ciphertext"`
	Nonce      string              `json:"nonce"`
	Signature  string              `json:"signature"`
	PublicData EphemeralPublicData `json:"publicData"`
}

// SnapshotProofChainEntry identifies one link of a snapshot lineage without
// carrying the snapshot ciphertext.
type SnapshotProofChainEntry struct {
	SnapshotID             string `json:"snapshotId"`
	SnapshotCiphertextHash string `json:"snapshotCiphertextHash"`
	ParentSnapshotProof    string `json:"parentSnapshotProof"`
}

// KnownSnapshotInfo is the last snapshot a client confirmed, used to resume
// a connection in delta mode and to verify ancestry of what the relay sends.
type KnownSnapshotInfo struct {
	SnapshotProofChainEntry
	UpdateClocks map[string]int64 `json:"updateClocks,omitempty"`
}
