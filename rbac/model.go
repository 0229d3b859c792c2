package rbac

import (
	"fmt"
	"regexp"
)

// Permission keys read by the core
const (
	PermChannelViewAll            = "channel-view-all"
	PermChannelViewSpecified      = "channel-view-specified"
	PermTransactionRerunAll       = "transaction-rerun-all"
	PermTransactionRerunSpecified = "transaction-rerun-specified"
	PermTransactionManageAll      = "transaction-manage-all"
)

// Scope pairs the "-all" and "-specified" permissions of one capability
type Scope struct {
	Name      string
	All       string
	Specified string
}

var (
	// ScopeView governs which channels' transactions a user may read
	ScopeView = Scope{Name: "view", All: PermChannelViewAll, Specified: PermChannelViewSpecified}
	// ScopeRerun governs which channels' transactions a user may rerun
	ScopeRerun = Scope{Name: "rerun", All: PermTransactionRerunAll, Specified: PermTransactionRerunSpecified}
)

// Permissions maps a permission key to either a bool grant or a list of
// channel ids. Values decoded from JSON or YAML arrive as []any.
type Permissions map[string]any

// Granted reports whether key holds boolean true
func (p Permissions) Granted(key string) bool {
	v, ok := p[key].(bool)
	return ok && v
}

// Channels returns the channel ids listed under key. Anything other than a
// list of strings yields nil.
func (p Permissions) Channels(key string) []string {
	switch v := p[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			switch id := item.(type) {
			case string:
				out = append(out, id)
			case fmt.Stringer:
				out = append(out, id.String())
			}
		}
		return out
	default:
		return nil
	}
}

// Role grants permissions to every user in the group of the same name
type Role struct {
	Name        string      `json:"name" yaml:"name"`
	Permissions Permissions `json:"permissions" yaml:"permissions"`
	// Admin grants every permission checked by the Gate
	Admin bool `json:"admin" yaml:"admin"`
}

// Channel is a routing configuration. Only the ID matters to access
// control; Config is carried opaquely.
type Channel struct {
	ID     string         `json:"_id" yaml:"id"`
	Name   string         `json:"name" yaml:"name"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// User is the caller identity as far as access control is concerned
type User struct {
	Name   string
	Groups []string
}

var legacyAdminPattern = regexp.MustCompile(`admin|manager`)

// LegacyAdminName reports role names that older deployments treated as
// administrative. It is consulted only when importing roles without an
// explicit admin flag.
func LegacyAdminName(name string) bool {
	return legacyAdminPattern.MatchString(name)
}

// ChannelIDs returns the ids of channels in order
func ChannelIDs(channels []Channel) []string {
	ids := make([]string, len(channels))
	for i, c := range channels {
		ids[i] = c.ID
	}
	return ids
}
