package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/c360/openhim-core/errors"
	"github.com/c360/openhim-core/rbac"
)

// FindByNames returns the roles named in names
func (s *Store) FindByNames(ctx context.Context, names []string) ([]rbac.Role, error) {
	if len(names) == 0 {
		return []rbac.Role{}, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT name, permissions, admin FROM roles WHERE name IN (`+placeholders(len(names))+`) ORDER BY name`,
		stringArgs(names)...)
	if err != nil {
		return nil, errors.WrapTransient(err, "SQLStore", "FindByNames", "query roles")
	}
	defer rows.Close()

	roles := []rbac.Role{}
	for rows.Next() {
		var (
			role  rbac.Role
			perms string
		)
		if err := rows.Scan(&role.Name, &perms, &role.Admin); err != nil {
			return nil, errors.WrapTransient(err, "SQLStore", "FindByNames", "scan role")
		}
		if err := json.Unmarshal([]byte(perms), &role.Permissions); err != nil {
			return nil, errors.WrapFatal(err, "SQLStore", "FindByNames", "decode permissions of "+role.Name)
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "SQLStore", "FindByNames", "iterate roles")
	}
	return roles, nil
}

// PutRole inserts or replaces role
func (s *Store) PutRole(ctx context.Context, role rbac.Role) error {
	perms := role.Permissions
	if perms == nil {
		perms = rbac.Permissions{}
	}
	data, err := json.Marshal(perms)
	if err != nil {
		return errors.WrapInvalid(err, "SQLStore", "PutRole", "encode permissions")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO roles (name, permissions, admin) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET permissions = excluded.permissions, admin = excluded.admin`,
		role.Name, string(data), role.Admin)
	if err != nil {
		return errors.WrapTransient(err, "SQLStore", "PutRole", "upsert role "+role.Name)
	}
	return nil
}

// All returns every channel ordered by id
func (s *Store) All(ctx context.Context) ([]rbac.Channel, error) {
	return s.queryChannels(ctx, "All", `SELECT id, name, config FROM channels ORDER BY id`)
}

// FindByIDs returns the channels whose id is in ids
func (s *Store) FindByIDs(ctx context.Context, ids []string) ([]rbac.Channel, error) {
	if len(ids) == 0 {
		return []rbac.Channel{}, nil
	}
	return s.queryChannels(ctx, "FindByIDs",
		`SELECT id, name, config FROM channels WHERE id IN (`+placeholders(len(ids))+`) ORDER BY id`,
		stringArgs(ids)...)
}

func (s *Store) queryChannels(ctx context.Context, method, query string, args ...any) ([]rbac.Channel, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.WrapTransient(err, "SQLStore", method, "query channels")
	}
	defer rows.Close()

	channels := []rbac.Channel{}
	for rows.Next() {
		var (
			ch     rbac.Channel
			config sql.NullString
		)
		if err := rows.Scan(&ch.ID, &ch.Name, &config); err != nil {
			return nil, errors.WrapTransient(err, "SQLStore", method, "scan channel")
		}
		if config.Valid && config.String != "" {
			if err := json.Unmarshal([]byte(config.String), &ch.Config); err != nil {
				return nil, errors.WrapFatal(err, "SQLStore", method, "decode config of "+ch.ID)
			}
		}
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "SQLStore", method, "iterate channels")
	}
	return channels, nil
}

// PutChannel inserts or replaces channel
func (s *Store) PutChannel(ctx context.Context, channel rbac.Channel) error {
	var config sql.NullString
	if len(channel.Config) > 0 {
		data, err := json.Marshal(channel.Config)
		if err != nil {
			return errors.WrapInvalid(err, "SQLStore", "PutChannel", "encode config")
		}
		config = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channels (id, name, config) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, config = excluded.config`,
		channel.ID, channel.Name, config)
	if err != nil {
		return errors.WrapTransient(err, "SQLStore", "PutChannel", "upsert channel "+channel.ID)
	}
	return nil
}
