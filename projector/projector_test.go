package projector

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/openhim-core/errors"
	"github.com/c360/openhim-core/transaction"
)

func loadFixture(t *testing.T) *transaction.Transaction {
	t.Helper()
	data, err := os.ReadFile("testdata/transaction.json")
	require.NoError(t, err)

	var tx transaction.Transaction
	require.NoError(t, json.Unmarshal(data, &tx))
	return &tx
}

func encode(t *testing.T, v any) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	require.NoError(t, enc.Encode(v))
	return buf.Bytes()
}

func TestRender_Golden(t *testing.T) {
	p := New(Options{Threshold: 10, Marker: "\n[truncated ...]"})
	tx := loadFixture(t)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata"),
		goldie.WithNameSuffix(".golden"),
	)
	for _, rep := range []Representation{Metadata, Full, FullTruncate} {
		t.Run(string(rep), func(t *testing.T) {
			g.Assert(t, string(rep), encode(t, p.Render(tx, rep)))
		})
	}
}

func TestProject_NeverExposesBodyID(t *testing.T) {
	p := New(DefaultOptions())
	tx := loadFixture(t)
	require.NotEmpty(t, tx.BodyReferences())

	for _, rep := range []Representation{Metadata, Full, FullTruncate} {
		out := encode(t, p.Render(tx, rep))
		assert.NotContains(t, string(out), "bodyId", rep)
		for _, ref := range tx.BodyReferences() {
			assert.NotContains(t, string(out), ref, rep)
		}
	}
}

func TestProject_MetadataHasNoBodies(t *testing.T) {
	out := New(DefaultOptions()).Project(loadFixture(t))

	assert.Nil(t, out.Request.Body)
	assert.Nil(t, out.Response.Body)
	assert.Nil(t, out.Routes[0].Request.Body)
	assert.Nil(t, out.Orchestrations[0].Request.Body)
}

func TestProject_AbsentFieldsStayAbsent(t *testing.T) {
	tx := &transaction.Transaction{ID: "111111111111111111111111"}
	out := New(DefaultOptions()).Project(tx)

	data := encode(t, out)
	assert.JSONEq(t, `{"_id":"111111111111111111111111","request":{},"response":{}}`, string(data))
}

func TestProject_KeepsPresentZeroValues(t *testing.T) {
	no := false
	zero := 0
	tx := &transaction.Transaction{CanRerun: &no, AutoRetryAttempt: &zero}

	out := New(DefaultOptions()).Project(tx)
	require.NotNil(t, out.CanRerun)
	assert.False(t, *out.CanRerun)
	require.NotNil(t, out.AutoRetryAttempt)
	assert.Equal(t, 0, *out.AutoRetryAttempt)
	assert.Nil(t, out.WasRerun)
}

func TestProject_Nil(t *testing.T) {
	assert.Nil(t, New(DefaultOptions()).Project(nil))
	assert.Empty(t, New(DefaultOptions()).RenderAll([]*transaction.Transaction{nil}, Full))
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		threshold int
		marker    string
		want      string
	}{
		{"longer than threshold", strings.Repeat("x", 20), 8, "...cut", "xxxxxxxx...cut"},
		{"shorter than threshold", "abcde", 8, "...cut", "abcde"},
		{"exactly threshold", "abcdefgh", 8, "...cut", "abcdefgh"},
		{"multibyte characters", "ééééé", 2, "~", "éé~"},
		{"disabled", strings.Repeat("x", 20), 0, "...cut", strings.Repeat("x", 20)},
		{"empty", "", 8, "...cut", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Truncate(tt.body, tt.threshold, tt.marker))
		})
	}
}

func TestRender_TruncationIsDeterministic(t *testing.T) {
	p := New(Options{Threshold: 5, Marker: "[...]"})
	tx := loadFixture(t)

	first := encode(t, p.Render(tx, FullTruncate))
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, encode(t, p.Render(tx, FullTruncate)))
	}
	assert.Equal(t, "<HTTP[...]", *p.Render(tx, FullTruncate).Request.Body)
}

func TestRender_RouteBodiesNotTruncated(t *testing.T) {
	p := New(Options{Threshold: 5, Marker: "[...]"})
	tx := loadFixture(t)
	orch := "orchestrated body"
	tx.Routes[0].Orchestrations[0].Request.Body = &orch

	out := p.Render(tx, FullTruncate)
	require.Len(t, out.Routes, 1)
	assert.Equal(t, "<HTTP body request>", *out.Routes[0].Request.Body)
	assert.Equal(t, "<HTTP response>", *out.Routes[0].Response.Body)
	assert.Equal(t, "orche[...]", *out.Routes[0].Orchestrations[0].Request.Body)
	assert.Equal(t, "<HTTP[...]", *out.Orchestrations[0].Request.Body)
}

func TestRender_DoesNotModifySource(t *testing.T) {
	p := New(Options{Threshold: 3, Marker: "!"})
	tx := loadFixture(t)
	before := encode(t, tx)

	_ = p.Render(tx, FullTruncate)
	assert.Equal(t, before, encode(t, tx))
}

func TestParseRepresentation(t *testing.T) {
	rep, err := ParseRepresentation("")
	require.NoError(t, err)
	assert.Equal(t, Metadata, rep)
	assert.False(t, rep.IncludesBodies())

	rep, err = ParseRepresentation("fulltruncate")
	require.NoError(t, err)
	assert.True(t, rep.IncludesBodies())

	_, err = ParseRepresentation("simpledetails")
	assert.True(t, errors.IsInvalid(err))
}
