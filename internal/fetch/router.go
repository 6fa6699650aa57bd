package fetch

import (
	"sort"

	"github.com/vaultline/riskwatch/internal/domain"
)

// Router resolves fetcher kinds to their implementations. The dispatcher
// holds one router and looks up the fetcher per work unit.
type Router struct {
	fetchers map[domain.FetcherKind]Fetcher
}

func NewRouter(fetchers ...Fetcher) *Router {
	m := make(map[domain.FetcherKind]Fetcher, len(fetchers))
	for _, f := range fetchers {
		m[f.Kind()] = f
	}
	return &Router{fetchers: m}
}

// For returns the fetcher registered for kind.
func (r *Router) For(kind domain.FetcherKind) (Fetcher, bool) {
	f, ok := r.fetchers[kind]
	return f, ok
}

// Kinds lists the registered kinds in stable order.
func (r *Router) Kinds() []domain.FetcherKind {
	out := make([]domain.FetcherKind, 0, len(r.fetchers))
	for kind := range r.fetchers {
		out = append(out, kind)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
