// Package dictionary reconciles a vendor's hierarchical namespace with
// previously stored human descriptions of its paths.
package dictionary

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Path is one hierarchical location (e.g. space → page) and its description.
type Path struct {
	Segments    []string `json:"segments"`
	Description string   `json:"description"`
}

// String renders the path with "/" separators.
func (p Path) String() string {
	return strings.Join(p.Segments, "/")
}

// key is an unambiguous map key for a segment list: every segment is
// prefixed with its byte length.
func key(segments []string) string {
	var b strings.Builder
	for _, s := range segments {
		b.WriteString(strconv.Itoa(len(s)))
		b.WriteByte(':')
		b.WriteString(s)
	}
	return b.String()
}

// sortPaths orders paths by their segments, so parents precede children and
// each subtree is contiguous.
func sortPaths(paths []Path) {
	slices.SortStableFunc(paths, func(a, b Path) int {
		return slices.Compare(a.Segments, b.Segments)
	})
}

// MatchesPrefix reports whether segments starts with every segment of prefix.
// Comparison is segment-exact: "Eng" does not match "Engineering". An empty
// prefix matches everything.
func MatchesPrefix(segments, prefix []string) bool {
	if len(prefix) > len(segments) {
		return false
	}
	for i, p := range prefix {
		if segments[i] != p {
			return false
		}
	}
	return true
}

// related reports whether segments is on the way to, or inside, prefix.
func related(segments, prefix []string) bool {
	n := min(len(segments), len(prefix))
	return slices.Equal(segments[:n], prefix[:n])
}

// Merge reconciles discovered paths against existing descriptions.
//
// Paths outside prefix are dropped. An exact match in existing keeps its
// description verbatim; anything new gets an empty description. Discovery
// order is preserved and duplicates are removed.
func Merge(discovered [][]string, existing []Path, prefix []string) []Path {
	known := make(map[string]string, len(existing))
	for _, p := range existing {
		known[key(p.Segments)] = p.Description
	}

	seen := make(map[string]bool, len(discovered))
	out := make([]Path, 0, len(discovered))
	for _, segs := range discovered {
		if len(segs) == 0 || !MatchesPrefix(segs, prefix) {
			continue
		}
		k := key(segs)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, Path{
			Segments:    slices.Clone(segs),
			Description: known[k],
		})
	}
	return out
}

// ChildrenFunc lists the child segment names under parent. The root is the
// empty parent.
type ChildrenFunc func(ctx context.Context, parent []string) ([]string, error)

// Walk enumerates the namespace depth-first down to maxDepth levels, skipping
// branches that cannot fall under prefix. Only paths matching prefix are
// returned.
func Walk(ctx context.Context, children ChildrenFunc, maxDepth int, prefix []string) ([][]string, error) {
	var out [][]string
	var visit func(parent []string) error
	visit = func(parent []string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		names, err := children(ctx, parent)
		if err != nil {
			return fmt.Errorf("dictionary.Walk list %q: %w", strings.Join(parent, "/"), err)
		}
		for _, name := range names {
			path := append(slices.Clone(parent), name)
			if !related(path, prefix) {
				continue
			}
			if MatchesPrefix(path, prefix) {
				out = append(out, path)
			}
			if len(path) < maxDepth {
				if err := visit(path); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if maxDepth <= 0 {
		return nil, nil
	}
	if err := visit(nil); err != nil {
		return nil, err
	}
	return out, nil
}
