package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/fieldsync/internal/identity"
	"github.com/nhle/fieldsync/tests/testutil"
)

type cli struct {
	t          *testing.T
	configPath string
}

// newCLI points the client at a temporary database, a process-local
// remote store and a file keyring.
func newCLI(t *testing.T) *cli {
	t.Helper()
	dir := t.TempDir()

	config := "local:\n  db_path: " + filepath.Join(dir, "fieldsync.db") + "\nremote:\n  backend: memory\n"
	configPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(config), 0o600))

	prev := newSessions
	newSessions = func() *identity.KeyringProvider {
		return identity.NewKeyringProvider(keyring.Config{
			ServiceName:      "fieldsync-test",
			AllowedBackends:  []keyring.BackendType{keyring.FileBackend},
			FileDir:          filepath.Join(dir, "credentials"),
			FilePasswordFunc: keyring.FixedStringPrompt("test"),
		})
	}
	t.Cleanup(func() { newSessions = prev })

	return &cli{t: t, configPath: configPath}
}

func (c *cli) run(args ...string) (int, string, string) {
	c.t.Helper()
	var stdout, stderr bytes.Buffer
	args = append(args, "--config", c.configPath)
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func (c *cli) writeProject(name, pin string) string {
	c.t.Helper()
	data, err := json.Marshal(testutil.GeneralProject(name, pin))
	require.NoError(c.t, err)
	path := filepath.Join(filepath.Dir(c.configPath), name+".json")
	require.NoError(c.t, os.WriteFile(path, data, 0o600))
	return path
}

var keyPattern = regexp.MustCompile(`(?m)^(\S+)\s{2}`)

func createdKey(t *testing.T, out string) string {
	t.Helper()
	m := keyPattern.FindStringSubmatch(out)
	require.Len(t, m, 2, "no project key in %q", out)
	return m[1]
}

func TestRun_Usage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 2, run(nil, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "Usage: fieldsync")

	stderr.Reset()
	assert.Equal(t, 2, run([]string{"bogus"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "Unknown command: bogus")

	assert.Equal(t, 0, run([]string{"help"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "record")
}

func TestInit_WritesConfigOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	var stdout, stderr bytes.Buffer

	require.Equal(t, 0, run([]string{"init", "--config", path}, &stdout, &stderr), stderr.String())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "backend: rest")

	assert.Equal(t, 1, run([]string{"init", "--config", path}, &stdout, &stderr))
	assert.Equal(t, 0, run([]string{"init", "--config", path, "--force"}, &stdout, &stderr))
}

func TestSession(t *testing.T) {
	c := newCLI(t)

	_, out, _ := c.run("whoami")
	assert.Contains(t, out, "anonymous")

	code, _, _ := c.run("signin")
	assert.Equal(t, 2, code)

	code, _, errOut := c.run("signin", "--id", "designer-1")
	require.Equal(t, 0, code, errOut)
	_, out, _ = c.run("whoami")
	assert.Equal(t, "designer-1\n", out)

	code, _, _ = c.run("signout")
	require.Equal(t, 0, code)
	_, out, _ = c.run("whoami")
	assert.Contains(t, out, "Signed out")
}

func TestProjectLifecycle_SignedOut(t *testing.T) {
	c := newCLI(t)

	code, out, errOut := c.run("create", "--file", c.writeProject("Census", "AB12CD"))
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "PIN:     AB12CD")
	assert.Contains(t, out, "local only")
	key := createdKey(t, out)

	code, out, errOut = c.run("join", "AB12CD")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, key)

	code, _, errOut = c.run("record", key, "--set", "Name=")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "Validation failed")

	// Publishing needs a verified identity, so the record stays queued.
	code, out, errOut = c.run("record", key, "--set", "Name=Alice")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Saved record")
	assert.Contains(t, out, "Not synced yet (1 pending)")

	code, out, _ = c.run("projects")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "Census")
	assert.Regexp(t, `│\s*1\s*│\s*local`, out)

	code, out, errOut = c.run("end", key)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Status:  inactive")

	code, _, errOut = c.run("record", key, "--set", "Name=Bob")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "has ended")

	code, out, errOut = c.run("duplicate", key, "--name", "Census 2")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Census 2")
	assert.NotContains(t, out, "AB12CD")

	code, _, errOut = c.run("delete", key)
	require.Equal(t, 0, code, errOut)
	_, out, _ = c.run("projects")
	assert.NotContains(t, out, "AB12CD")
	assert.Contains(t, out, "Census 2")
}

func TestJoin_UnknownPin(t *testing.T) {
	c := newCLI(t)
	code, _, errOut := c.run("join", "ZZ9999")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "no project uses PIN ZZ9999")
}

func TestFlush_Offline(t *testing.T) {
	c := newCLI(t)
	code, _, errOut := c.run("flush", "--offline")
	assert.Equal(t, 1, code)
	assert.True(t, strings.Contains(errOut, "connectivity"), errOut)
}

func TestCreate_CloudRequiresIdentity(t *testing.T) {
	c := newCLI(t)
	code, _, errOut := c.run("create", "--cloud", "--file", c.writeProject("Census", ""))
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "verified identity")
}
