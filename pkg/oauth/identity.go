package oauth

import (
	"slices"

	"tokenward/pkg/logging"
)

const (
	// DefaultAdminRole is the realm role that marks administrators.
	DefaultAdminRole = "admin"

	// DefaultModeratorRole is the realm role that marks moderators.
	DefaultModeratorRole = "moderator"
)

// RoleNames maps the privileged realm roles onto Identity flags.
type RoleNames struct {
	Admin     string
	Moderator string
}

// DefaultRoleNames returns the admin and moderator role names.
func DefaultRoleNames() RoleNames {
	return RoleNames{Admin: DefaultAdminRole, Moderator: DefaultModeratorRole}
}

// Identity is the role-aware view of the current ID token. It is derived on
// every read and never persisted, so it cannot drift from the token.
type Identity struct {
	Subject           string   `json:"sub,omitempty"`
	PreferredUsername string   `json:"preferred_username"`
	Email             string   `json:"email,omitempty"`
	Roles             []string `json:"roles"`
	IsAdmin           bool     `json:"is_admin"`
	IsModerator       bool     `json:"is_moderator"`
}

// HasRole reports whether role is among the realm roles.
func (i *Identity) HasRole(role string) bool {
	if i == nil {
		return false
	}
	_, found := slices.BinarySearch(i.Roles, role)
	return found
}

// IdentityFromTokenSet projects the ID token of ts. It returns nil when there
// is no token set, no ID token, or the ID token cannot be decoded; identity
// absence is a normal state and is only logged.
func IdentityFromTokenSet(ts *TokenSet, roles RoleNames) *Identity {
	if ts == nil || ts.IDToken == "" {
		return nil
	}
	claims, err := DecodeClaims(ts.IDToken)
	if err != nil {
		logging.Debug("Identity", "Ignoring undecodable ID token: %v", err)
		return nil
	}

	id := &Identity{
		Subject:           stringClaim(claims, "sub"),
		PreferredUsername: stringClaim(claims, "preferred_username"),
		Email:             stringClaim(claims, "email"),
		Roles:             realmRoles(claims),
	}
	id.IsAdmin = roles.Admin != "" && id.HasRole(roles.Admin)
	id.IsModerator = roles.Moderator != "" && id.HasRole(roles.Moderator)
	return id
}

func stringClaim(claims map[string]interface{}, name string) string {
	s, _ := claims[name].(string)
	return s
}

// realmRoles reads realm_access.roles as a sorted set.
func realmRoles(claims map[string]interface{}) []string {
	access, ok := claims["realm_access"].(map[string]interface{})
	if !ok {
		return []string{}
	}
	raw, ok := access["roles"].([]interface{})
	if !ok {
		return []string{}
	}
	roles := make([]string, 0, len(raw))
	for _, r := range raw {
		if s, ok := r.(string); ok && s != "" {
			roles = append(roles, s)
		}
	}
	slices.Sort(roles)
	return slices.Compact(roles)
}
