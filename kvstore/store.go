// Package kvstore keeps roles and channels in NATS KV buckets so that every
// core instance attached to the same JetStream domain shares one access
// control configuration.
package kvstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/openhim-core/errors"
	"github.com/c360/openhim-core/natsclient"
	"github.com/c360/openhim-core/rbac"
)

// Bucket names
const (
	RolesBucket    = "openhim_roles"
	ChannelsBucket = "openhim_channels"
)

// Store implements the rbac repositories on two KV buckets
type Store struct {
	roles    *natsclient.Bucket
	channels *natsclient.Bucket
}

var (
	_ rbac.RoleRepository    = (*Store)(nil)
	_ rbac.ChannelRepository = (*Store)(nil)
	_ rbac.Writer            = (*Store)(nil)
)

// NewStore creates the buckets if needed
func NewStore(ctx context.Context, client *natsclient.Client) (*Store, error) {
	if client == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("nats client is nil"), "KVStore", "NewStore", "check client")
	}

	roles, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      RolesBucket,
		Description: "Access roles keyed by group name",
		History:     5,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "KVStore", "NewStore", "create roles bucket")
	}

	channels, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      ChannelsBucket,
		Description: "Channel definitions keyed by id",
		History:     5,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "KVStore", "NewStore", "create channels bucket")
	}

	return &Store{
		roles:    client.Bucket(roles),
		channels: client.Bucket(channels),
	}, nil
}

// key maps a name onto the KV key alphabet
func key(name string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(name))
}

// FindByNames returns the roles named in names, ordered by name
func (s *Store) FindByNames(ctx context.Context, names []string) ([]rbac.Role, error) {
	roles := []rbac.Role{}
	for _, name := range names {
		var role rbac.Role
		found, err := get(ctx, s.roles, name, &role)
		if err != nil {
			return nil, errors.WrapTransient(err, "KVStore", "FindByNames", "get role "+name)
		}
		if found {
			roles = append(roles, role)
		}
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i].Name < roles[j].Name })
	return roles, nil
}

// PutRole stores role under its name
func (s *Store) PutRole(ctx context.Context, role rbac.Role) error {
	if role.Permissions == nil {
		role.Permissions = rbac.Permissions{}
	}
	if err := put(ctx, s.roles, role.Name, role); err != nil {
		return errors.WrapTransient(err, "KVStore", "PutRole", "put role "+role.Name)
	}
	return nil
}

// All returns every channel ordered by id
func (s *Store) All(ctx context.Context) ([]rbac.Channel, error) {
	keys, err := s.channels.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "KVStore", "All", "list channel keys")
	}

	channels := make([]rbac.Channel, 0, len(keys))
	for _, k := range keys {
		entry, err := s.channels.Get(ctx, k)
		if natsclient.IsKeyNotFound(err) {
			// deleted between listing and reading
			continue
		}
		if err != nil {
			return nil, errors.WrapTransient(err, "KVStore", "All", "get channel")
		}
		var ch rbac.Channel
		if err := json.Unmarshal(entry.Value, &ch); err != nil {
			return nil, errors.WrapFatal(err, "KVStore", "All", "unmarshal channel")
		}
		channels = append(channels, ch)
	}
	sortChannels(channels)
	return channels, nil
}

// FindByIDs returns the channels whose id is in ids, ordered by id
func (s *Store) FindByIDs(ctx context.Context, ids []string) ([]rbac.Channel, error) {
	channels := []rbac.Channel{}
	for _, id := range ids {
		var ch rbac.Channel
		found, err := get(ctx, s.channels, id, &ch)
		if err != nil {
			return nil, errors.WrapTransient(err, "KVStore", "FindByIDs", "get channel "+id)
		}
		if found {
			channels = append(channels, ch)
		}
	}
	sortChannels(channels)
	return channels, nil
}

// PutChannel stores channel under its id
func (s *Store) PutChannel(ctx context.Context, channel rbac.Channel) error {
	if err := put(ctx, s.channels, channel.ID, channel); err != nil {
		return errors.WrapTransient(err, "KVStore", "PutChannel", "put channel "+channel.ID)
	}
	return nil
}

// DeleteRole removes the role called name
func (s *Store) DeleteRole(ctx context.Context, name string) error {
	if err := s.roles.Delete(ctx, key(name)); err != nil && !natsclient.IsKeyNotFound(err) {
		return errors.WrapTransient(err, "KVStore", "DeleteRole", "delete role "+name)
	}
	return nil
}

func get(ctx context.Context, kv *natsclient.Bucket, name string, v any) (bool, error) {
	entry, err := kv.Get(ctx, key(name))
	if natsclient.IsKeyNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(entry.Value, v); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", name, err)
	}
	return true, nil
}

func put(ctx context.Context, kv *natsclient.Bucket, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = kv.Put(ctx, key(name), data)
	return err
}

func sortChannels(channels []rbac.Channel) {
	sort.Slice(channels, func(i, j int) bool { return channels[i].ID < channels[j].ID })
}
