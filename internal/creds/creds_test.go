// SPDX-License-Identifier: MIT

package creds

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeStore(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credentials.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeStore(t, `# fleet accounts
trader1@example.com=hunter2

trader2@example.com=secret=with=equals
`)
	out, err := Load(path)
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.Equal(t, "trader1@example.com", out[0].Identity)
	assert.Equal(t, "hunter2", out[0].Secret)
	assert.Equal(t, "trader1@example.com", out[0].Label)
	// Secrets may contain '='; only the first one splits.
	assert.Equal(t, "secret=with=equals", out[1].Secret)
}

func TestLoadDuplicateIdentities(t *testing.T) {
	path := writeStore(t, `same@example.com=one
same@example.com=two
same@example.com=three
`)
	out, err := Load(path)
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.Equal(t, "same@example.com", out[0].Label)
	assert.Equal(t, "same@example.com#2", out[1].Label)
	assert.Equal(t, "same@example.com#3", out[2].Label)
	// Source order and secrets preserved per entry.
	assert.Equal(t, "two", out[1].Secret)
}

func TestLoadRejectsMalformedLine(t *testing.T) {
	path := writeStore(t, "=nokey\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadEmptyStore(t *testing.T) {
	path := writeStore(t, "# only comments\n\n")
	_, err := Load(path)
	assert.ErrorIs(t, err, ErrEmptyStore)
}
