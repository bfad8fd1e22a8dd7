package cred

import (
	"context"
	"regexp"
	"strings"
)

// templatePattern matches {{id}} and {{id.key}} placeholders. Whitespace
// inside the braces is not part of the language; such text stays literal.
var templatePattern = regexp.MustCompile(`\{\{([A-Za-z0-9_-]+)(?:\.([A-Za-z0-9_-]+))?\}\}`)

// ResolveMode controls how missing credentials are handled during
// template resolution.
type ResolveMode int

const (
	// Strict fails resolution with CredentialNotFound when a referenced
	// credential or key does not exist.
	Strict ResolveMode = iota

	// Lenient leaves unresolvable placeholders literally in place.
	Lenient
)

// Resolve substitutes {{id}} and {{id.key}} placeholders in a template.
//
// {{id}} resolves to the credential's default key; {{id.key}} resolves by
// exact key lookup. In Strict mode a missing credential or key fails with
// CredentialNotFound; in Lenient mode the placeholder survives unchanged.
func (s *Store) Resolve(ctx context.Context, template string, mode ResolveMode) (string, error) {
	var firstErr error

	resolved := templatePattern.ReplaceAllStringFunc(template, func(match string) string {
		if firstErr != nil {
			return match
		}

		groups := templatePattern.FindStringSubmatch(match)
		id, keyName := groups[1], groups[2]

		var secret Secret
		var err error
		if keyName == "" {
			secret, err = s.Get(ctx, id)
		} else {
			secret, err = s.GetKey(ctx, id, keyName)
		}
		if err != nil {
			if mode == Lenient && IsNotFound(err) {
				return match
			}
			firstErr = err
			return match
		}
		return secret.Reveal()
	})

	if firstErr != nil {
		return "", firstErr
	}
	return resolved, nil
}

// Expand resolves a template strictly. It satisfies the HTTP tool layer's
// CredentialResolver interface.
func (s *Store) Expand(ctx context.Context, template string) (string, error) {
	return s.Resolve(ctx, template, Strict)
}

// ResolveHeaders resolves every value of a header map.
//
// The input map is never mutated; on failure no partial result is
// returned.
func (s *Store) ResolveHeaders(ctx context.Context, headers map[string]string, mode ResolveMode) (map[string]string, error) {
	return s.resolveMap(ctx, headers, mode)
}

// ResolveParams resolves every value of a query-parameter map, with the
// same non-mutation guarantee as ResolveHeaders.
func (s *Store) ResolveParams(ctx context.Context, params map[string]string, mode ResolveMode) (map[string]string, error) {
	return s.resolveMap(ctx, params, mode)
}

func (s *Store) resolveMap(ctx context.Context, values map[string]string, mode ResolveMode) (map[string]string, error) {
	resolved := make(map[string]string, len(values))
	for key, value := range values {
		if !strings.Contains(value, "{{") {
			resolved[key] = value
			continue
		}
		r, err := s.Resolve(ctx, value, mode)
		if err != nil {
			return nil, err
		}
		resolved[key] = r
	}
	return resolved, nil
}
