package cmd

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corey/mediabridge/internal/app"
	"github.com/corey/mediabridge/internal/domain/messenger"
)

func TestExitCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{messenger.Errorf(messenger.ErrNotFound, "populate", "gone"), exitNotFound},
		{fmt.Errorf("remove: %w", app.ErrUnknownSource), exitNotFound},
		{app.ErrBuiltinSource, exitAccessDenied},
		{messenger.Errorf(messenger.ErrAccessDenied, "open", "denied"), exitAccessDenied},
		{messenger.Errorf(messenger.ErrConnectionLost, "call", "eof"), exitConnection},
		{messenger.Errorf(messenger.ErrMalformedSource, "open", "bad"), exitMalformed},
		{fmt.Errorf("%w: bad flag", errUsage), exitUsage},
		{fmt.Errorf("boom"), exitFailure},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ExitCode(tc.err), "%v", tc.err)
	}
}

func TestResolveColor(t *testing.T) {
	t.Setenv("NO_COLOR", "")
	assert.True(t, resolveColor("always", false))
	assert.False(t, resolveColor("always", true))
	assert.False(t, resolveColor("never", false))

	t.Setenv("NO_COLOR", "1")
	assert.False(t, resolveColor("always", false))
}

func TestRenderTable(t *testing.T) {
	out := renderTable([]string{"Class", "Count"}, [][]string{{"folder.images", "3"}}, []columnAlignment{alignLeft, alignRight})
	assert.Contains(t, out, "folder.images")
	assert.Contains(t, out, "COUNT")
	assert.Empty(t, renderTable(nil, nil, nil))
}

func TestFormatMenu(t *testing.T) {
	out := formatMenu(palette{}, []messenger.MenuItem{
		{Title: "Reload", Command: "reload", Enabled: true},
		{Title: "Reveal", Command: "reveal", Enabled: false},
	})
	assert.Equal(t, "  [reload] Reload\n  [reveal] Reveal\n", out)
}

// execute runs the CLI with a config that serves workers in-process.
func execute(t *testing.T, configPath string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--config", configPath, "--color", "never"}, args...))
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		flagConfig, flagColor = "", "auto"
		flagBrowseParser, flagBrowseReload, flagBrowseThumbnails, flagBrowseMenu, flagBrowseWatch = "", false, false, false, false
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := fmt.Sprintf(`[paths]
state_dir = %q
socket_dir = %q

[worker]
in_process = true

[logging]
level = "error"
`, filepath.Join(dir, "state"), filepath.Join(dir, "s"))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func writePNG(t *testing.T, path string) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 16, 8))))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestCLI_SourcesAndBrowse(t *testing.T) {
	cfg := writeConfig(t)
	pics := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(pics, "Trip"), 0o755))
	writePNG(t, filepath.Join(pics, "a.png"))

	out, err := execute(t, cfg, "sources", "add", "folder.images", pics)
	require.NoError(t, err)
	assert.Contains(t, out, "added")

	out, err = execute(t, cfg, "sources", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "folder.images")
	assert.Contains(t, out, "user")

	out, err = execute(t, cfg, "browse", "folder.images", pics, "/")
	require.NoError(t, err)
	assert.Contains(t, out, "/Trip")
	assert.Contains(t, out, "a.png")

	_, err = execute(t, cfg, "browse", "folder.images", pics, "/", "/Nope")
	assert.Equal(t, exitNotFound, ExitCode(err))

	out, err = execute(t, cfg, "sources", "remove", "folder.images", pics)
	require.NoError(t, err)
	assert.Contains(t, out, "removed")

	_, err = execute(t, cfg, "sources", "remove", "folder.images", pics)
	assert.Equal(t, exitNotFound, ExitCode(err))
}

func TestCLI_Config(t *testing.T) {
	cfg := writeConfig(t)
	out, err := execute(t, cfg, "config", "path")
	require.NoError(t, err)
	assert.Equal(t, cfg, strings.TrimSpace(out))

	out, err = execute(t, cfg, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "in_process = true")

	_, err = execute(t, cfg, "config", "init")
	assert.Equal(t, exitUsage, ExitCode(err))

	_, err = execute(t, cfg, "--color", "sometimes", "config", "path")
	assert.Equal(t, exitUsage, ExitCode(err))
}
