package walk

import (
	gitignore "github.com/sabhiram/go-gitignore"
)

// Filter decides whether a path, relative to the walk root, should be
// excluded from read-ahead and from the startup reconciliation walk. It
// wraps gitignore-style pattern matching since that syntax already covers
// the glob/negation semantics an `ignore=PATTERN` option needs.
type Filter struct {
	matcher *gitignore.GitIgnore
}

// NewFilter compiles patterns (gitignore syntax) into a Filter. A nil or
// empty pattern list yields a Filter that excludes nothing.
func NewFilter(patterns []string) *Filter {
	if len(patterns) == 0 {
		return &Filter{}
	}
	return &Filter{matcher: gitignore.CompileIgnoreLines(patterns...)}
}

// Excludes reports whether relPath (relative to the walk root, using `/`
// separators) matches one of the filter's patterns.
func (f *Filter) Excludes(relPath string) bool {
	if f == nil || f.matcher == nil {
		return false
	}
	return f.matcher.MatchesPath(relPath)
}

// Visitor wraps an inner Visitor, pruning any node whose path (relative to
// root) the filter excludes.
func (f *Filter) Visitor(root string, inner Visitor) Visitor {
	return VisitorFunc{
		BeforeFn: func(n Node) Action {
			if rel, ok := relativeTo(root, n.Path); ok {
				// A trailing slash lets directory-only patterns ("a/b/")
				// match the directory itself, as in gitignore.
				if n.Info != nil && n.Info.IsDir() {
					rel += "/"
				}
				if f.Excludes(rel) {
					return Prune
				}
			}
			return inner.Before(n)
		},
		AfterFn: inner.After,
	}
}

func relativeTo(root, path string) (string, bool) {
	if len(path) <= len(root) {
		return "", false
	}
	if path[:len(root)] != root {
		return "", false
	}
	rel := path[len(root):]
	for len(rel) > 0 && rel[0] == '/' {
		rel = rel[1:]
	}
	return rel, true
}
