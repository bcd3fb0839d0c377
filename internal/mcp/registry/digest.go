package registry

import (
	"cmp"
	"slices"
	"strings"
)

// AllContext is the digest bucket that lists every tool.
const AllContext = "all"

// Digest score weights. A tag match alone outranks name, description and
// schema matches combined.
const (
	weightTag         = 8.0
	weightName        = 4.0
	weightDescription = 2.0
	weightSchema      = 1.0
	baselineAll       = 1.0
	baselinePerTag    = 0.1
)

// DigestEntry is the precomputed search form of one binding.
type DigestEntry struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Schema      string   `json:"schema,omitempty"`
	Server      string   `json:"server"`
	Contexts    []string `json:"contexts,omitempty"`

	lname   string
	ldesc   string
	lschema string
}

func newDigestEntry(b Binding) DigestEntry {
	schema := schemaText(b.Schema)
	return DigestEntry{
		Name:        b.Name,
		Description: b.Description,
		Schema:      schema,
		Server:      b.Server,
		Contexts:    b.Contexts,
		lname:       strings.ToLower(b.Name),
		ldesc:       strings.ToLower(b.Description),
		lschema:     strings.ToLower(schema),
	}
}

// score rates the entry against a normalised context.
func (e DigestEntry) score(ctx string) float64 {
	if ctx == "" || ctx == AllContext {
		return baselineAll + baselinePerTag*float64(len(e.Contexts))
	}
	var s float64
	if slices.Contains(e.Contexts, ctx) {
		s += weightTag
	}
	if strings.Contains(e.lname, ctx) {
		s += weightName
	}
	if strings.Contains(e.ldesc, ctx) {
		s += weightDescription
	}
	if e.lschema != "" && strings.Contains(e.lschema, ctx) {
		s += weightSchema
	}
	return s
}

// DigestHit is one ranked tool in a digest bucket.
type DigestHit struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Server      string   `json:"server"`
	Contexts    []string `json:"contexts,omitempty"`
	Score       float64  `json:"score"`
}

// Digest ranks tools per requested context. Keys are the normalised contexts;
// the empty context maps to [AllContext], which is always present. Each
// bucket is sorted by score descending then name, and truncated to limit
// (limit <= 0 means unlimited). Tools scoring zero are omitted.
func (s *Snapshot) Digest(contexts []string, limit int) map[string][]DigestHit {
	out := make(map[string][]DigestHit, len(contexts)+1)
	want := append([]string{AllContext}, contexts...)
	for _, raw := range want {
		ctx := strings.ToLower(strings.TrimSpace(raw))
		if ctx == "" {
			ctx = AllContext
		}
		if _, done := out[ctx]; done {
			continue
		}
		out[ctx] = s.rank(ctx, limit)
	}
	return out
}

func (s *Snapshot) rank(ctx string, limit int) []DigestHit {
	hits := make([]DigestHit, 0, len(s.digest))
	for _, e := range s.digest {
		sc := e.score(ctx)
		if sc <= 0 {
			continue
		}
		hits = append(hits, DigestHit{
			Name:        e.Name,
			Description: e.Description,
			Server:      e.Server,
			Contexts:    e.Contexts,
			Score:       sc,
		})
	}
	slices.SortFunc(hits, func(a, b DigestHit) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}
