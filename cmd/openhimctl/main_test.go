package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/openhim-core/chunkstore"
)

const seedFile = `
roles:
  - name: clerks
    permissions:
      channel-view-specified: [lab]
      transaction-rerun-specified: [lab]
  - name: auditors
    permissions:
      channel-view-all: true
channels:
  - {id: lab, name: Lab results}
  - {id: pharmacy, name: Pharmacy}
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	color.NoColor = true

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSeedThenChannels(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "openhim.db")
	seed := filepath.Join(dir, "seed.yaml")
	require.NoError(t, os.WriteFile(seed, []byte(seedFile), 0o600))

	out, err := execute(t, "seed", seed, "--db", db, "--repository", "sqlite")
	require.NoError(t, err)
	assert.Contains(t, out, "seeded 2 roles and 2 channels into sqlite")

	out, err = execute(t, "channels", "--db", db, "--repository", "sqlite", "--groups", "clerks")
	require.NoError(t, err)
	assert.Contains(t, out, "Viewable (1)")
	assert.Contains(t, out, "Rerunnable (1)")
	assert.Contains(t, out, "Lab results")
	assert.NotContains(t, out, "Pharmacy")

	out, err = execute(t, "channels", "--db", db, "--repository", "sqlite", "-g", "clerks,auditors")
	require.NoError(t, err)
	assert.Contains(t, out, "Viewable (2)")
	assert.Contains(t, out, "Pharmacy")

	out, err = execute(t, "channels", "--db", db, "--repository", "sqlite")
	require.NoError(t, err)
	assert.Contains(t, out, "Viewable (0)")
	assert.Contains(t, out, "none")
}

func TestUnknownRepository(t *testing.T) {
	_, err := execute(t, "channels", "--repository", "postgres")
	assert.ErrorContains(t, err, "unknown repository")
}

func TestSeedMissingFile(t *testing.T) {
	_, err := execute(t, "seed", filepath.Join(t.TempDir(), "absent.yaml"), "--db", filepath.Join(t.TempDir(), "x.db"))
	assert.Error(t, err)
}

func TestStoreRequest(t *testing.T) {
	req, err := storeRequest("text", []byte("héllo"))
	require.NoError(t, err)
	assert.Equal(t, "store", req.Action)
	assert.Equal(t, "text", req.Kind)
	assert.JSONEq(t, `"héllo"`, string(req.Data))

	req, err = storeRequest("bytes", []byte{0xff, 0x00})
	require.NoError(t, err)
	assert.Equal(t, `"/wA="`, string(req.Data))

	req, err = storeRequest("json", []byte(`["a", 1]`))
	require.NoError(t, err)
	assert.Empty(t, req.Kind)
	assert.Equal(t, `["a", 1]`, string(req.Data))

	_, err = storeRequest("json", []byte(`{broken`))
	assert.ErrorContains(t, err, "not valid JSON")

	_, err = storeRequest("xml", nil)
	assert.ErrorContains(t, err, "unknown kind")
}

func TestWriteBody(t *testing.T) {
	text, _ := json.Marshal("plain body")
	raw, _ := json.Marshal([]byte{1, 2, 3})

	tests := []struct {
		name string
		resp chunkstore.Response
		want string
	}{
		{"text", chunkstore.Response{Kind: "text", Data: text}, "plain body"},
		{"bytes", chunkstore.Response{Kind: "bytes", Data: raw}, "\x01\x02\x03"},
		{"sequence", chunkstore.Response{Kind: "sequence", Data: json.RawMessage(`["a","b"]`)}, "[\"a\",\"b\"]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, writeBody(&buf, &tt.resp))
			assert.Equal(t, tt.want, buf.String())
		})
	}
}
