package registry

import (
	"encoding/json"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/toolrelay/internal/mcp"
	"github.com/MrWong99/toolrelay/pkg/types"
)

// qualifierSep joins a server qualifier and a tool name.
const qualifierSep = "__"

// Binding routes one qualified tool name to the connection that serves it.
// Bindings are rebuilt wholesale on every refresh and never mutated.
type Binding struct {
	// Name is the qualified name exposed to the model.
	Name string `json:"name"`

	// Original is the tool's name on its server.
	Original string `json:"original"`

	// Server is the owning server id.
	Server string `json:"server"`

	// Contexts are the normalised context tags.
	Contexts []string `json:"contexts,omitempty"`

	Description string         `json:"description,omitempty"`
	Schema      map[string]any `json:"schema,omitempty"`

	// SessionAware marks tools that receive the active session id.
	SessionAware bool `json:"session_aware,omitempty"`

	// Clients is the per-client enablement map of the owning server. Empty
	// means every client.
	Clients map[string]bool `json:"clients,omitempty"`

	conn mcp.Connection
	gate *gate
}

// EnabledFor reports whether clientID may see the tool. The empty client id
// sees everything.
func (b Binding) EnabledFor(clientID string) bool {
	if clientID == "" || len(b.Clients) == 0 {
		return true
	}
	return b.Clients[clientID]
}

// Spec returns the provider-facing definition. The description is prefixed
// with the owning server id in brackets.
func (b Binding) Spec() types.ToolDefinition {
	desc := "[" + b.Server + "]"
	if b.Description != "" {
		desc += " " + b.Description
	}
	return types.ToolDefinition{Name: b.Name, Description: desc, Parameters: b.Schema}
}

// Snapshot is an immutable view of the catalog. Readers obtain it from
// [Registry.Snapshot] and may keep it for as long as they like.
type Snapshot struct {
	// Version increases with every published snapshot.
	Version uint64

	// Built is when the snapshot was published.
	Built time.Time

	bindings map[string]Binding
	names    []string // sorted qualified names
	digest   []DigestEntry
}

// emptySnapshot is published before the first refresh.
func emptySnapshot() *Snapshot {
	return &Snapshot{bindings: map[string]Binding{}}
}

// Len returns the number of bindings.
func (s *Snapshot) Len() int { return len(s.bindings) }

// Names returns the qualified tool names in sorted order.
func (s *Snapshot) Names() []string { return slices.Clone(s.names) }

// Lookup returns the binding for a qualified name.
func (s *Snapshot) Lookup(name string) (Binding, bool) {
	b, ok := s.bindings[name]
	return b, ok
}

// Bindings returns all bindings sorted by qualified name.
func (s *Snapshot) Bindings() []Binding {
	out := make([]Binding, 0, len(s.names))
	for _, n := range s.names {
		out = append(out, s.bindings[n])
	}
	return out
}

// ToolSpecs returns the provider-facing tool list visible to clientID, sorted
// by name.
func (s *Snapshot) ToolSpecs(clientID string) []types.ToolDefinition {
	out := make([]types.ToolDefinition, 0, len(s.names))
	for _, n := range s.names {
		b := s.bindings[n]
		if !b.EnabledFor(clientID) {
			continue
		}
		out = append(out, b.Spec())
	}
	return out
}

// serverTools is one server's contribution to a rebuild.
type serverTools struct {
	desc  mcp.ServerDescriptor
	conn  mcp.Connection
	gate  *gate
	tools []mcp.Tool
}

// buildSnapshot derives the qualified-name map and digest from the listed
// tools of each server. servers must be in configuration order; on a
// qualified-name collision the earlier server wins.
func buildSnapshot(servers []serverTools, version uint64, log *slog.Logger) *Snapshot {
	// Count bare names across servers so unique names can stay unqualified.
	counts := make(map[string]int)
	for _, st := range servers {
		seen := make(map[string]bool)
		for _, t := range st.tools {
			if st.desc.ToolDisabled(t.Name) || seen[t.Name] {
				continue
			}
			seen[t.Name] = true
			counts[t.Name]++
		}
	}

	snap := &Snapshot{
		Version:  version,
		Built:    time.Now(),
		bindings: make(map[string]Binding),
	}
	for _, st := range servers {
		for _, t := range st.tools {
			if st.desc.ToolDisabled(t.Name) {
				continue
			}
			name := qualify(st.desc, t.Name, counts[t.Name] > 1)
			if prev, dup := snap.bindings[name]; dup {
				log.Warn("duplicate qualified tool name, keeping first",
					"tool", name, "kept_server", prev.Server, "dropped_server", st.desc.ID)
				continue
			}
			b := Binding{
				Name:         name,
				Original:     t.Name,
				Server:       st.desc.ID,
				Contexts:     normalizeTags(st.desc.ContextsFor(t.Name)),
				Description:  t.Description,
				Schema:       t.InputSchema,
				SessionAware: st.desc.SessionAware(t.Name),
				Clients:      maps.Clone(st.desc.Clients),
				conn:         st.conn,
				gate:         st.gate,
			}
			snap.bindings[name] = b
			snap.names = append(snap.names, name)
			snap.digest = append(snap.digest, newDigestEntry(b))
		}
	}
	slices.Sort(snap.names)
	slices.SortFunc(snap.digest, func(a, b DigestEntry) int { return strings.Compare(a.Name, b.Name) })
	return snap
}

// qualify returns the exposed name for a tool. A tool keeps its bare name only
// when the name is unique and the server sets no prefix.
func qualify(desc mcp.ServerDescriptor, tool string, collides bool) string {
	if !collides && desc.ToolPrefix == "" {
		return sanitizeName(tool)
	}
	q := desc.ToolPrefix
	if q == "" {
		q = desc.ID
	}
	return sanitizeName(q + qualifierSep + tool)
}

// sanitizeName replaces characters that model gateways reject in function
// names with an underscore.
func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		}
		return '_'
	}, name)
}

// normalizeTags lowercases, trims and deduplicates context tags.
func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || slices.Contains(out, t) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// schemaText renders a schema for substring matching.
func schemaText(schema map[string]any) string {
	if len(schema) == 0 {
		return ""
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return ""
	}
	return string(data)
}
