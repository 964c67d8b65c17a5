// Package auth resolves the principal that owns sessions.
package auth

import (
	"context"
	"fmt"
	"strings"
)

const AnonymousOwner = "anonymous"

// Identity is the authenticated principal. Every session belongs to exactly
// one Owner.
type Identity struct {
	Owner string
}

type APIKeyValidator interface {
	Validate(ctx context.Context, apiKey string) (Identity, bool)
}

type StaticAPIKeyValidator struct {
	keys map[string]Identity
}

// NewStaticAPIKeyValidator parses "key:owner,key:owner".
func NewStaticAPIKeyValidator(spec string) (*StaticAPIKeyValidator, error) {
	validator := &StaticAPIKeyValidator{keys: map[string]Identity{}}
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return validator, nil
	}

	for _, entry := range strings.Split(spec, ",") {
		key, owner, ok := strings.Cut(strings.TrimSpace(entry), ":")
		key, owner = strings.TrimSpace(key), strings.TrimSpace(owner)
		if !ok || strings.Contains(owner, ":") {
			return nil, fmt.Errorf("invalid static key entry %q: expected key:owner", entry)
		}
		if key == "" || owner == "" {
			return nil, fmt.Errorf("invalid static key entry %q: empty key/owner", entry)
		}
		if _, dup := validator.keys[key]; dup {
			return nil, fmt.Errorf("duplicate static key for owner %q", owner)
		}
		validator.keys[key] = Identity{Owner: owner}
	}
	return validator, nil
}

func (v *StaticAPIKeyValidator) Validate(_ context.Context, apiKey string) (Identity, bool) {
	identity, ok := v.keys[apiKey]
	return identity, ok
}

func (v *StaticAPIKeyValidator) Len() int {
	return len(v.keys)
}
