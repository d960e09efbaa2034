// Package conflicts finds updates that must not be applied in the same pass.
//
// Two updates of the same knowledge type conflict when they make the same
// structural change (CONTRADICTION) or when their text is nearly the same
// (DUPLICATE, by token Jaccard similarity). The structural change covers
// the kind, the existing item it targets, the merge sources, the split
// parts and the normalized payload. Conflicting
// pairs are grouped into connected components so that every update appears
// in at most one conflict. Resolution is always MANUAL.
package conflicts

import (
	"slices"
	"sort"
	"strings"
	"unicode"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"

	"github.com/ashita-ai/manabi/internal/model"
)

// bookkeepingKeys are payload flags that steer classification but carry no
// knowledge of their own.
var bookkeepingKeys = map[string]bool{
	"isNew":          true,
	"isModification": true,
	"shouldMerge":    true,
	"isDeletion":     true,
	"shouldSplit":    true,
	"confidence":     true,
}

// Detector compares updates pairwise.
type Detector struct {
	overlapThreshold float64
}

// NewDetector creates a Detector. Pairs whose token Jaccard similarity is
// at least overlapThreshold are duplicates.
func NewDetector(overlapThreshold float64) *Detector {
	if overlapThreshold <= 0 || overlapThreshold > 1 {
		overlapThreshold = 0.8
	}
	return &Detector{overlapThreshold: overlapThreshold}
}

// Pair reports whether a and b conflict, how, and with what confidence.
// It is symmetric in its arguments.
func (d *Detector) Pair(a, b model.KnowledgeUpdate) (model.ConflictKind, float64, bool) {
	if a.ID == b.ID || a.Content.Type != b.Content.Type {
		return "", 0, false
	}
	sa, sb := subjectOf(a), subjectOf(b)
	if cmp.Equal(sa, sb, cmpopts.EquateEmpty()) {
		return model.ConflictContradiction, 1, true
	}
	if sim := Jaccard(tokens(sa.Updated), tokens(sb.Updated)); sim >= d.overlapThreshold {
		return model.ConflictDuplicate, sim, true
	}
	return "", 0, false
}

// subject is what an update changes, with ids it generates for itself left out.
type subject struct {
	Kind      model.UpdateKind
	TargetID  string
	SourceIDs []string
	Parts     []any
	Updated   map[string]any
}

func subjectOf(u model.KnowledgeUpdate) subject {
	s := subject{
		Kind:      u.Kind,
		SourceIDs: slices.Sorted(slices.Values(u.Content.SourceIDs)),
		Updated:   Normalize(u.Content.Updated),
	}
	// ADDITION and MERGE mint their target id.
	switch u.Kind {
	case model.KindModification, model.KindDeletion, model.KindSplit:
		s.TargetID = u.Content.TargetID
	}
	for _, p := range u.Content.Parts {
		s.Parts = append(s.Parts, normalizeValue(p))
	}
	return s
}

// Detect groups the conflicting updates in batch. Each group lists its
// update ids in batch order. Groups are ordered by their first member.
func (d *Detector) Detect(batch []model.KnowledgeUpdate) []model.KnowledgeConflict {
	n := len(batch)
	uf := newUnionFind(n)
	kind := make([]model.ConflictKind, n)
	conf := make([]float64, n)
	inConflict := make([]bool, n)

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			k, c, ok := d.Pair(batch[i], batch[j])
			if !ok {
				continue
			}
			inConflict[i], inConflict[j] = true, true
			uf.union(i, j)
			for _, x := range []int{i, j} {
				if kind[x] != model.ConflictContradiction {
					kind[x] = k
				}
				conf[x] = max(conf[x], c)
			}
		}
	}

	groups := map[int]*model.KnowledgeConflict{}
	var order []int
	for i := 0; i < n; i++ {
		if !inConflict[i] {
			continue
		}
		root := uf.find(i)
		g, ok := groups[root]
		if !ok {
			g = &model.KnowledgeConflict{Kind: model.ConflictDuplicate, Resolution: model.ResolutionManual}
			groups[root] = g
			order = append(order, root)
		}
		g.UpdateIDs = append(g.UpdateIDs, batch[i].ID)
		if kind[i] == model.ConflictContradiction {
			g.Kind = model.ConflictContradiction
		}
		g.Confidence = max(g.Confidence, conf[i])
	}

	out := make([]model.KnowledgeConflict, 0, len(order))
	for _, root := range order {
		out = append(out, *groups[root])
	}
	return out
}

// Excluded returns the set of update ids named by any conflict.
func Excluded(conflicts []model.KnowledgeConflict) map[uuid.UUID]bool {
	out := map[uuid.UUID]bool{}
	for _, c := range conflicts {
		for _, id := range c.UpdateIDs {
			out[id] = true
		}
	}
	return out
}

// Normalize returns a copy of payload with bookkeeping flags removed,
// strings trimmed, lowercased and whitespace-collapsed, and every number
// widened to float64.
func Normalize(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if bookkeepingKeys[k] {
			continue
		}
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch x := v.(type) {
	case string:
		return strings.Join(strings.Fields(strings.ToLower(x)), " ")
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, vv := range x {
			out[k] = normalizeValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, vv := range x {
			out[i] = normalizeValue(vv)
		}
		return out
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = normalizeValue(s)
		}
		return out
	case int:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case float32:
		return float64(x)
	default:
		return v
	}
}

// Jaccard is |a∩b| / |a∪b|. Two empty sets have similarity 0.
func Jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if b[t] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// tokens collects the word set of every string in a normalized payload.
func tokens(payload map[string]any) map[string]bool {
	set := map[string]bool{}
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		collect(payload[k], set)
	}
	return set
}

func collect(v any, set map[string]bool) {
	switch x := v.(type) {
	case string:
		for _, w := range strings.FieldsFunc(x, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) }) {
			set[w] = true
		}
	case map[string]any:
		for _, vv := range x {
			collect(vv, set)
		}
	case []any:
		for _, vv := range x {
			collect(vv, set)
		}
	}
}

type unionFind struct{ parent []int }

func newUnionFind(n int) *unionFind {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return &unionFind{parent: p}
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra != rb {
		u.parent[rb] = ra
	}
}
