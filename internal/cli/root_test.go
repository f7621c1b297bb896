package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "secsync", cmd.Use)
	assert.Contains(t, cmd.Long, "ciphertext")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"keygen", "relay", "edit", "inspect", "test"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
}

func TestKeygenCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	keygenCmd, _, err := cmd.Find([]string{"keygen"})
	require.NoError(t, err)

	outputFlag := keygenCmd.Flags().Lookup("output")
	require.NotNil(t, outputFlag)
	assert.Equal(t, "o", outputFlag.Shorthand)
	require.NotNil(t, keygenCmd.Flags().Lookup("share-from"))
}

func TestRelayCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	relayCmd, _, err := cmd.Find([]string{"relay"})
	require.NoError(t, err)

	for _, name := range []string{"addr", "db", "auto-create"} {
		require.NotNil(t, relayCmd.Flags().Lookup(name), name)
	}
	assert.Equal(t, "", relayCmd.Flags().Lookup("db").DefValue, "defaults come from config")
}

func TestEditCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	editCmd, _, err := cmd.Find([]string{"edit"})
	require.NoError(t, err)

	keysFlag := editCmd.Flags().Lookup("keys")
	require.NotNil(t, keysFlag)
	assert.Equal(t, "k", keysFlag.Shorthand)
	assert.Equal(t, "20", editCmd.Flags().Lookup("snapshot-every").DefValue)
	assert.Equal(t, "10s", editCmd.Flags().Lookup("flush-timeout").DefValue)
}

func TestInspectCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	inspectCmd, _, err := cmd.Find([]string{"inspect"})
	require.NoError(t, err)

	require.NotNil(t, inspectCmd.Flags().Lookup("db"))
	require.NotNil(t, inspectCmd.Flags().Lookup("keys"))
	assert.Equal(t, "false", inspectCmd.Flags().Lookup("text").DefValue)
}

func TestFormatValidation(t *testing.T) {
	assert.True(t, isValidFormat("text"))
	assert.True(t, isValidFormat("json"))

	assert.False(t, isValidFormat("xml"))
	assert.False(t, isValidFormat(""))
	assert.False(t, isValidFormat("TEXT"))
}

func TestFormatValidationIntegration(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"--format", "invalid", "keygen", "-o", filepath.Join(t.TempDir(), "k.json")})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestConfigFlag_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("relay:\n  sendBuffer: -1\n"), 0o600))

	cmd := NewRootCommand()
	cmd.SetArgs([]string{"--config", path, "keygen", "-o", filepath.Join(t.TempDir(), "k.json")})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestConfigFlag_LoadsConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("relay:\n  addr: \"127.0.0.1:9999\"\nlog:\n  level: warn\n"), 0o600))

	opts := &RootOptions{ConfigPath: path}
	require.NoError(t, opts.loadConfig())
	assert.Equal(t, "127.0.0.1:9999", opts.Config.Relay.Addr)
	assert.Equal(t, "warn", opts.Config.Log.Level)
}
