package sqlstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/openhim-core/errors"
	"github.com/c360/openhim-core/rbac"
	"github.com/c360/openhim-core/transaction"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "openhim.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func tx(channel, client string, at time.Time) *transaction.Transaction {
	ts := at.UTC()
	return &transaction.Transaction{
		ClientID:  client,
		ChannelID: channel,
		Status:    transaction.StatusSuccessful,
		Request:   &transaction.Request{Path: "/api", Method: "GET", Timestamp: &ts},
	}
}

func ids(txs []*transaction.Transaction) []string {
	out := make([]string, len(txs))
	for i, t := range txs {
		out[i] = t.ChannelID + "/" + t.ClientID
	}
	return out
}

func TestRoles(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.PutRole(ctx, rbac.Role{
		Name:        "clerks",
		Permissions: rbac.Permissions{rbac.PermChannelViewSpecified: []string{"c1", "c2"}},
	}))
	require.NoError(t, s.PutRole(ctx, rbac.Role{Name: "admin", Admin: true}))

	roles, err := s.FindByNames(ctx, []string{"clerks", "admin", "ghosts"})
	require.NoError(t, err)
	require.Len(t, roles, 2)
	assert.Equal(t, "admin", roles[0].Name)
	assert.True(t, roles[0].Admin)
	assert.Equal(t, []string{"c1", "c2"}, roles[1].Permissions.Channels(rbac.PermChannelViewSpecified))

	// upsert
	require.NoError(t, s.PutRole(ctx, rbac.Role{
		Name:        "clerks",
		Permissions: rbac.Permissions{rbac.PermChannelViewAll: true},
	}))
	roles, err = s.FindByNames(ctx, []string{"clerks"})
	require.NoError(t, err)
	require.Len(t, roles, 1)
	assert.True(t, roles[0].Permissions.Granted(rbac.PermChannelViewAll))
	assert.Nil(t, roles[0].Permissions.Channels(rbac.PermChannelViewSpecified))

	roles, err = s.FindByNames(ctx, nil)
	require.NoError(t, err)
	assert.NotNil(t, roles)
	assert.Empty(t, roles)
}

func TestChannels(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.PutChannel(ctx, rbac.Channel{ID: "c2", Name: "Pharmacy"}))
	require.NoError(t, s.PutChannel(ctx, rbac.Channel{ID: "c1", Name: "Lab", Config: map[string]any{"urlPattern": "^/lab$"}}))

	all, err := s.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, rbac.ChannelIDs(all))
	assert.Equal(t, "^/lab$", all[0].Config["urlPattern"])
	assert.Nil(t, all[1].Config)

	some, err := s.FindByIDs(ctx, []string{"c2", "c9"})
	require.NoError(t, err)
	assert.Equal(t, []string{"c2"}, rbac.ChannelIDs(some))

	none, err := s.FindByIDs(ctx, []string{})
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestResolverOverSQLite(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	seed, err := rbac.ParseSeed([]byte(`
roles:
  - name: A
    permissions:
      channel-view-all: true
  - name: B
    permissions:
      channel-view-specified: [c1]
  - name: C
    permissions:
      channel-view-specified: [c2]
channels:
  - {id: c1, name: one}
  - {id: c2, name: two}
  - {id: c3, name: three}
`))
	require.NoError(t, err)
	require.NoError(t, seed.Apply(ctx, s))

	r, err := rbac.NewResolver(s, s, nil, nil)
	require.NoError(t, err)

	got, err := r.ViewableChannels(ctx, rbac.User{Groups: []string{"A", "B"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2", "c3"}, rbac.ChannelIDs(got))

	got, err = r.ViewableChannels(ctx, rbac.User{Groups: []string{"B", "C"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, rbac.ChannelIDs(got))

	got, err = r.ViewableChannels(ctx, rbac.User{Groups: []string{"nobody"}})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestTransactions_CreateGetDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	body := "ignored"
	created := tx("c1", "client", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
	created.Request.BodyID = "01HZX3P8Q4C9V6K2M7N5R1T0AB"
	created.Response = &transaction.Response{Body: &body}
	require.NoError(t, s.Create(ctx, created))
	require.NoError(t, transaction.ValidateID(created.ID))

	got, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "01HZX3P8Q4C9V6K2M7N5R1T0AB", got.Request.BodyID)
	assert.True(t, created.Request.Timestamp.Equal(*got.Request.Timestamp))

	err = s.Create(ctx, got)
	assert.True(t, errors.IsInvalid(err), "duplicate id")

	require.NoError(t, s.Delete(ctx, created.ID))

	_, err = s.Get(ctx, created.ID)
	assert.ErrorIs(t, err, errors.ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, created.ID), errors.ErrNotFound)

	_, err = s.Get(ctx, "not-an-id")
	assert.ErrorIs(t, err, errors.ErrInvalidID)
}

func TestTransactions_List(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	for i, spec := range []struct{ channel, client string }{
		{"c1", "a"}, {"c2", "a"}, {"c1", "b"}, {"c3", "b"}, {"c2", "c"},
	} {
		require.NoError(t, s.Create(ctx, tx(spec.channel, spec.client, base.Add(time.Duration(i)*time.Minute))))
	}
	undated := &transaction.Transaction{ChannelID: "c1", ClientID: "z", Status: transaction.StatusProcessing}
	require.NoError(t, s.Create(ctx, undated))

	all, err := s.List(ctx, transaction.Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"c2/c", "c3/b", "c1/b", "c2/a", "c1/a", "c1/z"}, ids(all))

	visible, err := s.List(ctx, transaction.Filter{ChannelIDs: []string{"c1", "c2"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"c2/c", "c1/b", "c2/a", "c1/a", "c1/z"}, ids(visible))

	none, err := s.List(ctx, transaction.Filter{ChannelIDs: []string{}})
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)

	byClient, err := s.List(ctx, transaction.Filter{ClientID: "b", ChannelIDs: []string{"c1"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"c1/b"}, ids(byClient))

	byStatus, err := s.List(ctx, transaction.Filter{Status: transaction.StatusProcessing})
	require.NoError(t, err)
	assert.Equal(t, []string{"c1/z"}, ids(byStatus))

	page, err := s.List(ctx, transaction.Filter{Page: 1, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"c1/b", "c2/a"}, ids(page))

	past, err := s.List(ctx, transaction.Filter{Page: 10, Limit: 2})
	require.NoError(t, err)
	assert.Empty(t, past)
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "openhim.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.PutChannel(ctx, rbac.Channel{ID: "c1", Name: "Lab"}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	all, err := s.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, rbac.ChannelIDs(all))
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Ping(context.Background()))

	require.NoError(t, s.Close())
	assert.Error(t, s.Ping(context.Background()))
}
