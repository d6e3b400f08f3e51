package e2e

import (
	"bytes"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSmokeFlow(t *testing.T) {
	home := t.TempDir()
	binaryPath := buildBinary(t)
	require.NoError(t, writeConfigFixture(home))

	stdout, stderr, err := runPP(t, binaryPath, home, "version")
	require.NoError(t, err, "stderr: %s", stderr)
	assert.Contains(t, stdout, "dev")

	stdout, stderr, err = runPP(t, binaryPath, home, "pool", "list")
	require.NoError(t, err, "stderr: %s", stderr)
	assert.Contains(t, stdout, "sessions: 0/3")

	_, stderr, err = runPP(t, binaryPath, home, "pool", "release", "ws://127.0.0.1:1/devtools/browser/none")
	require.NoError(t, err, "stderr: %s", stderr)

	stdout, stderr, err = runPP(t, binaryPath, home, "pool", "list", "--json")
	require.NoError(t, err, "stderr: %s", stderr)
	var listing struct {
		Stats struct {
			Capacity int `json:"capacity"`
			Total    int `json:"total"`
		} `json:"stats"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &listing))
	assert.Equal(t, 3, listing.Stats.Capacity)
	assert.Equal(t, 0, listing.Stats.Total)
}

func TestSmokeScrapeRejectsForeignHost(t *testing.T) {
	home := t.TempDir()
	binaryPath := buildBinary(t)

	stdout, _, err := runPP(t, binaryPath, home, "scrape", "https://example.com/collections/s/list/abc", "--json")
	require.Error(t, err)
	assert.Contains(t, stdout, `"outcome": "invalid_input"`)
}

func buildBinary(t *testing.T) string {
	t.Helper()

	binaryPath := filepath.Join(t.TempDir(), "pp-e2e")
	cmd := exec.Command("go", "build", "-o", binaryPath, "./cmd/pp")
	cmd.Dir = repoRoot(t)

	output, err := cmd.CombinedOutput()
	require.NoError(t, err, "build pp binary: %s", string(output))
	return binaryPath
}

func runPP(t *testing.T, binaryPath, home string, args ...string) (string, string, error) {
	t.Helper()

	cmd := exec.Command(binaryPath, args...)
	cmd.Env = append(os.Environ(), "HOME="+home)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

func repoRoot(t *testing.T) string {
	t.Helper()

	wd, err := os.Getwd()
	require.NoError(t, err)
	return filepath.Clean(filepath.Join(wd, "..", ".."))
}

func writeConfigFixture(home string) error {
	configDir := filepath.Join(home, ".config", "placepool")
	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return err
	}

	config := `[pool]
capacity = 3

[store]
driver = "toml"
`

	return os.WriteFile(filepath.Join(configDir, "config.toml"), []byte(config), 0o600)
}
