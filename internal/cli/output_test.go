package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeEnvelope(t *testing.T, buf *bytes.Buffer) CLIResponse {
	t.Helper()
	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	return resp
}

func TestOutputFormatter_JSON(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		buf := &bytes.Buffer{}
		f := &OutputFormatter{Format: "json", Writer: buf, DocumentID: "notes"}

		require.NoError(t, f.Success(map[string]int{"lines": 2}))

		resp := decodeEnvelope(t, buf)
		assert.Equal(t, "ok", resp.Status)
		assert.Equal(t, "notes", resp.DocumentID)
		assert.Equal(t, map[string]any{"lines": float64(2)}, resp.Data)
		assert.Nil(t, resp.Error)
	})

	t.Run("error with details", func(t *testing.T) {
		buf := &bytes.Buffer{}
		f := &OutputFormatter{Format: "json", Writer: buf}

		details := []string{"snapshot snap-2 does not prove parent snap-1"}
		require.NoError(t, f.Error(ErrCodeChainBroken, "document lineage failed verification", details))

		resp := decodeEnvelope(t, buf)
		assert.Equal(t, "error", resp.Status)
		require.NotNil(t, resp.Error)
		assert.Equal(t, ErrCodeChainBroken, resp.Error.Code)
		assert.Equal(t, "document lineage failed verification", resp.Error.Message)
		assert.Equal(t, []any{details[0]}, resp.Error.Details)
		assert.Empty(t, resp.DocumentID)
	})

	t.Run("one object per line", func(t *testing.T) {
		buf := &bytes.Buffer{}
		f := &OutputFormatter{Format: "json", Writer: buf}

		require.NoError(t, f.Success("a"))
		require.NoError(t, f.Success("b"))
		assert.Equal(t, 2, bytes.Count(buf.Bytes(), []byte("\n")))
	})
}

func TestOutputFormatter_Text(t *testing.T) {
	tests := []struct {
		name    string
		verbose bool
		write   func(*OutputFormatter) error
		want    []string
		notWant []string
	}{
		{
			name:  "success",
			write: func(f *OutputFormatter) error { return f.Success("3 snapshot(s) verified") },
			want:  []string{"3 snapshot(s) verified"},
		},
		{
			name: "error hides details",
			write: func(f *OutputFormatter) error {
				return f.Error(ErrCodeKeys, "key file unreadable", map[string]string{"path": "alice.key"})
			},
			want:    []string{"Error [E003]: key file unreadable"},
			notWant: []string{"Details:"},
		},
		{
			name:    "verbose error shows details",
			verbose: true,
			write: func(f *OutputFormatter) error {
				return f.Error(ErrCodeKeys, "key file unreadable", map[string]string{"path": "alice.key"})
			},
			want: []string{"Error [E003]", "Details: map[path:alice.key]"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			f := &OutputFormatter{Format: "text", Writer: buf, Verbose: tt.verbose}

			require.NoError(t, tt.write(f))
			for _, s := range tt.want {
				assert.Contains(t, buf.String(), s)
			}
			for _, s := range tt.notWant {
				assert.NotContains(t, buf.String(), s)
			}
		})
	}
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	t.Run("quiet", func(t *testing.T) {
		buf := &bytes.Buffer{}
		f := &OutputFormatter{Format: "text", Writer: buf}
		f.VerboseLog("opening %s", "relay.db")
		assert.Empty(t, buf.String())
	})

	t.Run("falls back to writer", func(t *testing.T) {
		buf := &bytes.Buffer{}
		f := &OutputFormatter{Format: "text", Writer: buf, Verbose: true}
		f.VerboseLog("opening %s", "relay.db")
		assert.Equal(t, "opening relay.db\n", buf.String())
	})

	t.Run("keeps json stream clean", func(t *testing.T) {
		out, diag := &bytes.Buffer{}, &bytes.Buffer{}
		f := &OutputFormatter{Format: "json", Writer: out, ErrWriter: diag, Verbose: true}
		f.VerboseLog("waiting for %d line(s)", 2)
		assert.Empty(t, out.String())
		assert.Equal(t, "waiting for 2 line(s)\n", diag.String())
	})
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "database not found")))
	assert.Equal(t, ExitFailure, GetExitCode(WrapExitError(ExitFailure, "sync", errors.New("boom"))))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))

	err := WrapExitError(ExitCommandError, "failed to open database", os.ErrNotExist)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Equal(t, "failed to open database: file does not exist", err.Error())
	assert.Equal(t, "database not found", NewExitError(ExitCommandError, "database not found").Error())
}
