// Package catalog defines the closed table of proctoring event kinds and the
// risk points a single occurrence of each kind scores.
//
// The built-in weights are policy defaults, not mechanism: operators can
// re-weight kinds or add new ones through a JSON file named by CATALOG_PATH.
// Kinds can never be removed, and lookups fail closed so a novel or
// misspelled kind is rejected instead of silently scoring zero.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
)

// Kinds synthesized by the consistency tracker and the state machine.
// Clients may not report these directly.
const (
	KindDeviceChange      = "device_change"
	KindIPChange          = "ip_change"
	KindSessionTerminated = "session_terminated"
)

// ErrUnknownKind is returned by Lookup for kinds not present in the table.
var ErrUnknownKind = errors.New("catalog: unknown event kind")

// defaultWeights holds the built-in kind table. session_terminated carries
// zero points: it is an audit marker, not a violation.
var defaultWeights = map[string]int{
	"tab_switch":          20,
	"window_blur":         10,
	"fullscreen_exit":     15,
	"copy_attempt":        10,
	"paste_attempt":       15,
	"right_click":         5,
	"devtools_open":       30,
	"multiple_faces":      40,
	"no_face":             25,
	"phone_detected":      35,
	KindDeviceChange:      40,
	KindIPChange:          10,
	KindSessionTerminated: 0,
}

// Catalog maps event kinds to point weights. Immutable after construction.
type Catalog struct {
	weights map[string]int
}

// Default returns a catalog with the built-in weights.
func Default() *Catalog {
	w := make(map[string]int, len(defaultWeights))
	for k, v := range defaultWeights {
		w[k] = v
	}
	return &Catalog{weights: w}
}

// Load returns the default catalog with overrides merged from the JSON file
// at path. The file holds a flat object of kind to points; entries re-weight
// known kinds or add new ones. An empty path returns Default unchanged.
func Load(path string) (*Catalog, error) {
	c := Default()
	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path) // #nosec G304 -- path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}

	var overrides map[string]int
	if err := json.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("catalog: parse %s: %w", path, err)
	}

	for kind, points := range overrides {
		if kind == "" {
			return nil, fmt.Errorf("catalog: %s: empty event kind", path)
		}
		if points < 0 {
			return nil, fmt.Errorf("catalog: %s: kind %q has negative points %d", path, kind, points)
		}
		c.weights[kind] = points
	}

	return c, nil
}

// Lookup returns the point weight for kind. Unknown kinds are an error,
// never a zero score.
func (c *Catalog) Lookup(kind string) (int, error) {
	points, ok := c.weights[kind]
	if !ok {
		return 0, ErrUnknownKind
	}
	return points, nil
}

// Kinds returns the known event kinds in sorted order.
func (c *Catalog) Kinds() []string {
	kinds := make([]string, 0, len(c.weights))
	for k := range c.weights {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Reserved reports whether kind is synthesized internally and must be
// rejected when a client reports it.
func Reserved(kind string) bool {
	switch kind {
	case KindDeviceChange, KindIPChange, KindSessionTerminated:
		return true
	}
	return false
}
