package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	expected := []string{"serve", "worker", "reconstruct", "convert", "jobs", "export", "migrate", "models"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "recon-cli", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestJobsCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range jobsCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"list", "show", "retry", "dead", "stats", "watch", "enqueue"} {
		assert.True(t, names[name], "jobs should have subcommand %q", name)
	}
}

func TestExportCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range exportCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"create", "list", "fetch", "verify"} {
		assert.True(t, names[name], "export should have subcommand %q", name)
	}
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
	assert.NotNil(t, serveCmd.Flags().Lookup("workers"))
	assert.NotNil(t, serveCmd.Flags().Lookup("no-worker"))
}

func TestJobsDeadCommand_Flags(t *testing.T) {
	flag := jobsDeadCmd.Flags().Lookup("limit")
	require.NotNil(t, flag)
	assert.Equal(t, "25", flag.DefValue)
}

func TestConvertCommand_Flags(t *testing.T) {
	for _, name := range []string{"from", "to", "profile", "units", "tolerance"} {
		assert.NotNil(t, convertCmd.Flags().Lookup(name), "convert should have --%s flag", name)
	}
	assert.Equal(t, "clinical", convertCmd.Flags().Lookup("profile").DefValue)
}

// useTempEnv points the store and blob root at a throwaway directory.
func useTempEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("RECON_STORE_DATABASE_URL", filepath.Join(dir, "recon.db"))
	t.Setenv("RECON_BLOB_ROOT", filepath.Join(dir, "data"))
	t.Setenv("RECON_LOG_LEVEL", "error")
	return dir
}

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestExecute_Models(t *testing.T) {
	useTempEnv(t)
	out, err := execute(t, "models")
	require.NoError(t, err)
	assert.Contains(t, out, "heightmap (default)")
	assert.Contains(t, out, "print")
}

func TestExecute_Migrate(t *testing.T) {
	useTempEnv(t)
	out, err := execute(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "Migrations applied.")
}

func TestExecute_DBFlagOverridesEnv(t *testing.T) {
	dir := useTempEnv(t)
	path := filepath.Join(dir, "override.db")

	_, err := execute(t, "migrate", "--db", path)
	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.Equal(t, path, cfg.Store.DatabaseURL)

	_, err = execute(t, "migrate", "--db", "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "recon.db"), cfg.Store.DatabaseURL)
}
