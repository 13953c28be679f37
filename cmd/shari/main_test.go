package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func writeTestConfig(t *testing.T, dataRoot string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "data_root: " + dataRoot + "\ncatalog:\n  backend: sqlite\nlogging:\n  level: error\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestScanAndList(t *testing.T) {
	data := t.TempDir()
	cfgPath := writeTestConfig(t, data)
	docs := filepath.Join(data, "Documents")
	require.NoError(t, os.MkdirAll(filepath.Join(docs, "series"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(docs, "a.cbz"), []byte("a"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(docs, "series", "b.cbz"), []byte("b"), 0644))

	out, err := execute(t, "", "scan", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "2 documents: 2 added")

	out, err = execute(t, "", "list", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "a.cbz")
	assert.Contains(t, out, "series/b.cbz")

	out, err = execute(t, "", "list", "--config", cfgPath, "--tree")
	require.NoError(t, err)
	assert.Contains(t, out, "series/\n  b.cbz")

	require.NoError(t, os.Remove(filepath.Join(docs, "series", "b.cbz")))
	out, err = execute(t, "", "scan", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "1 removed")

	_, err = execute(t, "", "prune", "--config", cfgPath)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(docs, "series"))
	assert.True(t, os.IsNotExist(err))
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shari.yaml")
	out, err := execute(t, "", "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	_, err = execute(t, "", "config", "init", path)
	assert.Error(t, err)
}

func TestHashPassword(t *testing.T) {
	out, err := execute(t, "secret\n", "hash-password")
	require.NoError(t, err)
	hash := strings.TrimSpace(out)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("secret")))
}

func TestInvalidModeFlag(t *testing.T) {
	cfgPath := writeTestConfig(t, t.TempDir())
	_, err := execute(t, "", "scan", "--config", cfgPath, "--mode", "sideways")
	assert.Error(t, err)
}
