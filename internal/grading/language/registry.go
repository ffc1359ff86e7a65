// Package language maps platform language ids to execution engine runtime ids.
package language

import (
	"fmt"
	"sort"
	"strings"

	appErr "leetlabs/pkg/errors"
)

// Registry is built once at startup and is read-only afterwards.
type Registry struct {
	runtimes map[string]string
	ids      []string
}

// NewRegistry builds a registry from language id -> runtime id.
func NewRegistry(mapping map[string]string) (*Registry, error) {
	if len(mapping) == 0 {
		return nil, fmt.Errorf("language mapping is empty")
	}
	runtimes := make(map[string]string, len(mapping))
	ids := make([]string, 0, len(mapping))
	for languageID, runtimeID := range mapping {
		key := normalize(languageID)
		runtimeID = strings.TrimSpace(runtimeID)
		if key == "" || runtimeID == "" {
			return nil, fmt.Errorf("invalid language mapping %q -> %q", languageID, runtimeID)
		}
		if _, dup := runtimes[key]; dup {
			return nil, fmt.Errorf("duplicate language id %q", languageID)
		}
		runtimes[key] = runtimeID
		ids = append(ids, key)
	}
	sort.Strings(ids)
	return &Registry{runtimes: runtimes, ids: ids}, nil
}

// Resolve returns the runtime id for languageID.
func (r *Registry) Resolve(languageID string) (string, error) {
	if runtimeID, ok := r.runtimes[normalize(languageID)]; ok {
		return runtimeID, nil
	}
	return "", appErr.Newf(appErr.LanguageNotSupported, "language %q is not supported", languageID).
		WithDetail("language", languageID)
}

// Canonical returns the registered form of languageID.
func (r *Registry) Canonical(languageID string) string {
	return normalize(languageID)
}

// Languages lists the registered ids in sorted order.
func (r *Registry) Languages() []string {
	out := make([]string, len(r.ids))
	copy(out, r.ids)
	return out
}

func normalize(languageID string) string {
	return strings.ToLower(strings.TrimSpace(languageID))
}
