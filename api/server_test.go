package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/openhim-core/chunkstore"
	"github.com/c360/openhim-core/hydrator"
	"github.com/c360/openhim-core/metric"
	"github.com/c360/openhim-core/projector"
	"github.com/c360/openhim-core/rbac"
	"github.com/c360/openhim-core/sqlstore"
	"github.com/c360/openhim-core/storage/redisstore"
	"github.com/c360/openhim-core/transaction"
)

const seedYAML = `
roles:
  - name: admins
    admin: true
  - name: clerks
    permissions:
      channel-view-specified: [c1]
      transaction-rerun-specified: [c1]
  - name: auditors
    permissions:
      channel-view-all: true
channels:
  - {id: c1, name: Lab}
  - {id: c2, name: Pharmacy}
`

type recordingReclaimer struct {
	mu   sync.Mutex
	refs []chunkstore.Reference
}

func (r *recordingReclaimer) Reclaim(refs ...chunkstore.Reference) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs = append(r.refs, refs...)
	return nil
}

type fixture struct {
	handler   http.Handler
	db        *sqlstore.Store
	chunks    *chunkstore.Store
	reclaimer *recordingReclaimer
	metrics   *metric.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := sqlstore.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	seed, err := rbac.ParseSeed([]byte(seedYAML))
	require.NoError(t, err)
	require.NoError(t, seed.Apply(ctx, db))

	mr := miniredis.RunT(t)
	backend, err := redisstore.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "bodies:", nil)
	require.NoError(t, err)
	chunks, err := chunkstore.New(backend, chunkstore.DefaultConfig(), nil, nil)
	require.NoError(t, err)

	resolver, err := rbac.NewResolver(db, db, nil, nil)
	require.NoError(t, err)

	f := &fixture{
		db:        db,
		chunks:    chunks,
		reclaimer: &recordingReclaimer{},
		metrics:   metric.NewMetrics(),
	}
	srv, err := NewServer(Dependencies{
		Transactions: db,
		Resolver:     resolver,
		Gate:         rbac.NewGate(db, nil),
		Bodies:       chunks,
		Hydrator:     hydrator.New(chunks, hydrator.WithMaxConcurrency(2)),
		Projector:    projector.New(projector.Options{Threshold: 10, Marker: "\n[truncated ...]"}),
		Reclaimer:    f.reclaimer,
		Metrics:      f.metrics,
	})
	require.NoError(t, err)
	f.handler = srv.Handler()
	return f
}

func (f *fixture) do(t *testing.T, method, target, groups string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, target, reader)
	req.Header.Set(HeaderUser, "tester")
	if groups != "" {
		req.Header.Set(HeaderGroups, groups)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

// create posts a transaction as an admin and returns its id
func (f *fixture) create(t *testing.T, channel, client, reqBody, respBody string, at time.Time) string {
	t.Helper()
	status := 200
	ts := at.UTC()
	tx := transaction.Transaction{
		ChannelID: channel,
		ClientID:  client,
		Status:    transaction.StatusSuccessful,
		Request:   &transaction.Request{Path: "/fhir/Patient", Method: "POST", Body: &reqBody, Timestamp: &ts},
		Response:  &transaction.Response{Status: &status, Body: &respBody, Timestamp: &ts},
	}
	rec := f.do(t, http.MethodPost, "/transactions", "admins", tx)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var out map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out["_id"]
}

func decodeList(t *testing.T, rec *httptest.ResponseRecorder) []map[string]any {
	t.Helper()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var out map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out["error"]
}

func TestIdentityRequired(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/transactions", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "authentication required", errorMessage(t, rec))
	assert.NotEmpty(t, rec.Header().Get(HeaderRequestID))
}

func TestRequestIDPropagated(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/me/channels", nil)
	req.Header.Set(HeaderUser, "tester")
	req.Header.Set(HeaderRequestID, "upstream-123")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	assert.Equal(t, "upstream-123", rec.Header().Get(HeaderRequestID))
}

func TestCreate_StoresBodiesOutOfLine(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, "c1", "client-a", `{"resourceType":"Patient"}`, "", time.Now())

	stored, err := f.db.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, stored.Request.Body)
	assert.Nil(t, stored.Response.Body)
	assert.Empty(t, stored.Response.BodyID, "empty bodies are not stored")
	require.NotEmpty(t, stored.Request.BodyID)

	ref, err := chunkstore.ParseReference(stored.Request.BodyID)
	require.NoError(t, err)
	p, err := f.chunks.Retrieve(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, `{"resourceType":"Patient"}`, p.Text())
}

func TestCreate_IgnoresCallerBodyIDs(t *testing.T) {
	f := newFixture(t)
	idA := f.create(t, "c1", "client-a", "secret-req", "secret-resp", time.Now())
	a, err := f.db.Get(context.Background(), idA)
	require.NoError(t, err)

	tx := transaction.Transaction{
		ChannelID: "c2",
		Request:   &transaction.Request{BodyID: a.Request.BodyID},
		Routes: []transaction.Route{{
			Name:     "downstream",
			Response: &transaction.Response{BodyID: a.Response.BodyID},
		}},
	}
	rec := f.do(t, http.MethodPost, "/transactions", "admins", tx)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var out map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	b, err := f.db.Get(context.Background(), out["_id"])
	require.NoError(t, err)
	assert.Empty(t, b.BodyReferences())

	rec = f.do(t, http.MethodGet, "/transactions/"+out["_id"]+"?filterRepresentation=full", "auditors", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "secret")

	rec = f.do(t, http.MethodDelete, "/transactions/"+out["_id"], "admins", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Empty(t, f.reclaimer.refs)
}

func TestCreate_RequiresManagePermission(t *testing.T) {
	f := newFixture(t)
	body := "x"
	tx := transaction.Transaction{ChannelID: "c1", Request: &transaction.Request{Body: &body}}

	rec := f.do(t, http.MethodPost, "/transactions", "clerks", tx)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, errorMessage(t, rec), "not authorised to addTransaction")

	rec = f.do(t, http.MethodPost, "/transactions", "", tx)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, errorMessage(t, rec), "does not have an access role specified")

	rec = f.do(t, http.MethodPost, "/transactions", "admins", "not an object")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestList_RestrictedToViewableChannels(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	f.create(t, "c1", "client-a", "first request body", "first response body", base)
	f.create(t, "c2", "client-a", "second", "second", base.Add(time.Minute))
	f.create(t, "c1", "client-b", "third", "third", base.Add(2*time.Minute))

	clerk := decodeList(t, f.do(t, http.MethodGet, "/transactions", "clerks", nil))
	require.Len(t, clerk, 2)
	for _, tx := range clerk {
		assert.Equal(t, "c1", tx["channelID"])
	}
	assert.Equal(t, "client-b", clerk[0]["clientID"], "newest first")

	auditor := decodeList(t, f.do(t, http.MethodGet, "/transactions", "auditors", nil))
	assert.Len(t, auditor, 3)

	none := decodeList(t, f.do(t, http.MethodGet, "/transactions", "strangers", nil))
	assert.Empty(t, none)

	rec := f.do(t, http.MethodGet, "/transactions?channelID=c2", "clerks", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	only := decodeList(t, f.do(t, http.MethodGet, "/transactions?channelID=c2", "auditors", nil))
	require.Len(t, only, 1)
	assert.Equal(t, "c2", only[0]["channelID"])

	paged := decodeList(t, f.do(t, http.MethodGet, "/transactions?filterPage=1&filterLimit=2", "auditors", nil))
	require.Len(t, paged, 1)
	assert.Equal(t, "client-a", paged[0]["clientID"])
}

func TestList_Representations(t *testing.T) {
	f := newFixture(t)
	f.create(t, "c1", "client-a", "first request body", "ok", time.Now())

	meta := decodeList(t, f.do(t, http.MethodGet, "/transactions", "clerks", nil))
	require.Len(t, meta, 1)
	req := meta[0]["request"].(map[string]any)
	assert.NotContains(t, req, "body")
	assert.NotContains(t, req, "bodyId")
	assert.Equal(t, "/fhir/Patient", req["path"])

	full := decodeList(t, f.do(t, http.MethodGet, "/transactions?filterRepresentation=full", "clerks", nil))
	req = full[0]["request"].(map[string]any)
	assert.Equal(t, "first request body", req["body"])
	assert.NotContains(t, req, "bodyId")
	assert.Equal(t, "ok", full[0]["response"].(map[string]any)["body"])

	cut := decodeList(t, f.do(t, http.MethodGet, "/transactions?filterRepresentation=fulltruncate", "clerks", nil))
	req = cut[0]["request"].(map[string]any)
	assert.Equal(t, "first requ\n[truncated ...]", req["body"])
	assert.Equal(t, "ok", cut[0]["response"].(map[string]any)["body"])
}

func TestList_BadParameters(t *testing.T) {
	f := newFixture(t)

	for _, target := range []string{
		"/transactions?filterRepresentation=everything",
		"/transactions?filterPage=-1",
		"/transactions?filterLimit=ten",
	} {
		rec := f.do(t, http.MethodGet, target, "clerks", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
		assert.NotEmpty(t, errorMessage(t, rec), target)
	}
}

func TestList_HydrationFailure(t *testing.T) {
	f := newFixture(t)
	tx := &transaction.Transaction{
		ChannelID: "c1",
		Request:   &transaction.Request{BodyID: chunkstore.NewReference().String()},
	}
	require.NoError(t, f.db.Create(context.Background(), tx))

	rec := f.do(t, http.MethodGet, "/transactions?filterRepresentation=full", "clerks", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	meta := decodeList(t, f.do(t, http.MethodGet, "/transactions", "clerks", nil))
	assert.Len(t, meta, 1, "metadata never touches the chunk store")
}

func TestClientTransactions(t *testing.T) {
	f := newFixture(t)
	f.create(t, "c1", "client-a", "a", "a", time.Now())
	f.create(t, "c2", "client-a", "b", "b", time.Now())
	f.create(t, "c1", "client-b", "c", "c", time.Now())

	got := decodeList(t, f.do(t, http.MethodGet, "/transactions/clients/client-a", "clerks", nil))
	require.Len(t, got, 1)
	assert.Equal(t, "c1", got[0]["channelID"])

	got = decodeList(t, f.do(t, http.MethodGet, "/transactions/clients/client-a", "auditors", nil))
	assert.Len(t, got, 2)
}

func TestGetTransaction(t *testing.T) {
	f := newFixture(t)
	visible := f.create(t, "c1", "client-a", "hello", "world", time.Now())
	hidden := f.create(t, "c2", "client-a", "secret", "secret", time.Now())

	rec := f.do(t, http.MethodGet, "/transactions/"+visible, "clerks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, visible, got["_id"])
	assert.Equal(t, "hello", got["request"].(map[string]any)["body"])

	rec = f.do(t, http.MethodGet, "/transactions/"+visible+"?filterRepresentation=metadata", "clerks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "hello")

	rec = f.do(t, http.MethodGet, "/transactions/"+hidden, "clerks", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret")

	rec = f.do(t, http.MethodGet, "/transactions/not-an-id", "clerks", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/transactions/"+transaction.NewID(), "clerks", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteTransaction(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, "c1", "client-a", "req", "resp", time.Now())
	stored, err := f.db.Get(context.Background(), id)
	require.NoError(t, err)

	rec := f.do(t, http.MethodDelete, "/transactions/"+id, "clerks", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodDelete, "/transactions/"+id, "admins", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.ElementsMatch(t,
		[]chunkstore.Reference{chunkstore.Reference(stored.Request.BodyID), chunkstore.Reference(stored.Response.BodyID)},
		f.reclaimer.refs)

	rec = f.do(t, http.MethodGet, "/transactions/"+id, "auditors", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodDelete, "/transactions/"+id, "admins", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMyChannels(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/me/channels", "clerks, auditors", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got myChannels
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, []string{"c1", "c2"}, rbac.ChannelIDs(got.Viewable))
	assert.Equal(t, []string{"c1"}, rbac.ChannelIDs(got.Rerunnable))

	rec = f.do(t, http.MethodGet, "/me/channels", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"viewable": [], "rerunnable": []}`, rec.Body.String())
}

func TestMetricsRecorded(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodGet, "/transactions", "clerks", nil)
	f.do(t, http.MethodGet, "/transactions?filterRepresentation=bogus", "clerks", nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.HTTPRequests.WithLabelValues("GET /transactions", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.HTTPRequests.WithLabelValues("GET /transactions", "400")))
}

func TestParseGroups(t *testing.T) {
	assert.Equal(t, []string{"a", "b c", "d"}, parseGroups(" a, b c ,,d,"))
	assert.Nil(t, parseGroups(""))
}

func TestNewServer_MissingDependencies(t *testing.T) {
	_, err := NewServer(Dependencies{})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "transactions"))
}
