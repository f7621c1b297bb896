package transport

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/roach88/secsync/internal/engine"
)

// Query parameter names of the connection handshake.
const (
	ParamSessionKey                = "sessionKey"
	ParamMode                      = "mode"
	ParamKnownSnapshotID           = "knownSnapshotId"
	ParamKnownSnapshotUpdateClocks = "knownSnapshotUpdateClocks"
)

// URL returns the websocket URL for params under base, e.g.
// ws://relay:8080/{documentId}?sessionKey=...&mode=delta.
func URL(base string, params engine.ConnectParams) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("relay url %q: unsupported scheme %q", base, u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + url.PathEscape(params.DocumentID)

	q := url.Values{}
	if params.SessionKey != "" {
		q.Set(ParamSessionKey, params.SessionKey)
	}
	mode := params.Mode
	if mode == "" {
		mode = engine.SyncComplete
	}
	q.Set(ParamMode, string(mode))
	if mode == engine.SyncDelta {
		q.Set(ParamKnownSnapshotID, params.KnownSnapshotID)
		if len(params.KnownSnapshotUpdateClocks) > 0 {
			clocks, err := json.Marshal(params.KnownSnapshotUpdateClocks)
			if err != nil {
				return "", fmt.Errorf("encode known clocks: %w", err)
			}
			q.Set(ParamKnownSnapshotUpdateClocks, string(clocks))
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ParseParams reads the handshake parameters of a connection to docID.
func ParseParams(docID string, q url.Values) (engine.ConnectParams, error) {
	params := engine.ConnectParams{
		DocumentID: docID,
		SessionKey: q.Get(ParamSessionKey),
		Mode:       engine.SyncMode(q.Get(ParamMode)),
	}
	switch params.Mode {
	case "":
		params.Mode = engine.SyncComplete
	case engine.SyncComplete:
	case engine.SyncDelta:
		params.KnownSnapshotID = q.Get(ParamKnownSnapshotID)
		if params.KnownSnapshotID == "" {
			return engine.ConnectParams{}, fmt.Errorf("delta mode requires %s", ParamKnownSnapshotID)
		}
		if raw := q.Get(ParamKnownSnapshotUpdateClocks); raw != "" {
			if err := json.Unmarshal([]byte(raw), &params.KnownSnapshotUpdateClocks); err != nil {
				return engine.ConnectParams{}, fmt.Errorf("decode %s: %w", ParamKnownSnapshotUpdateClocks, err)
			}
		}
	default:
		return engine.ConnectParams{}, fmt.Errorf("unknown sync mode %q", params.Mode)
	}
	return params, nil
}
