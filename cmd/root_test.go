package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-url-analyzer/internal/config"
	"github.com/JakeFAU/realtime-url-analyzer/internal/server"
)

// stubRunApp replaces runApp for the duration of the test and records calls.
func stubRunApp(t *testing.T) *[]server.Options {
	t.Helper()
	var calls []server.Options
	orig := runApp
	runApp = func(_ context.Context, _ config.Config, opts server.Options) error {
		calls = append(calls, opts)
		return nil
	}
	t.Cleanup(func() { runApp = orig })
	return &calls
}

func TestCommandsSelectRoles(t *testing.T) {
	tests := []struct {
		args []string
		want server.Options
	}{
		{args: []string{"serve"}, want: server.Options{Role: server.RoleServe, Workers: true, Version: Version}},
		{args: []string{"serve", "--workers=false"}, want: server.Options{Role: server.RoleServe, Version: Version}},
		{args: []string{"processor"}, want: server.Options{Role: server.RoleProcessor, Version: Version}},
		{args: []string{"evaluator"}, want: server.Options{Role: server.RoleEvaluator, Version: Version}},
	}
	for _, tt := range tests {
		t.Run(tt.args[0], func(t *testing.T) {
			calls := stubRunApp(t)
			root := newRootCmd()
			root.SetArgs(tt.args)
			require.NoError(t, root.ExecuteContext(context.Background()))
			require.Equal(t, []server.Options{tt.want}, *calls)
		})
	}
}

func TestConfigFlagIsLoaded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 0\n"), 0o600))

	calls := stubRunApp(t)
	root := newRootCmd()
	root.SetArgs([]string{"--config", path, "serve"})
	err := root.ExecuteContext(context.Background())
	require.ErrorContains(t, err, "server.port")
	require.Empty(t, *calls)
}

func TestUnknownArgsRejected(t *testing.T) {
	calls := stubRunApp(t)
	root := newRootCmd()
	root.SetArgs([]string{"processor", "extra"})
	require.Error(t, root.ExecuteContext(context.Background()))
	require.Empty(t, *calls)
}
