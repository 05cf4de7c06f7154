// Package drv resolves a derivation's input closure and validates the
// dependency graph has no cycles before the engine starts scheduling goals,
// the same way distr1/distri's batch builder (internal/batch) builds a
// gonum directed graph over all packages and topologically sorts it before
// driving any builds.
package drv

import (
	"fmt"

	"github.com/casbuild/casbuild/internal/store"
	"golang.org/x/xerrors"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// Store is the external interface the engine consumes for derivation
// encoding and on-disk lookup.
type Store interface {
	// DerivationFromPath parses the .drv at path. Called only after the
	// engine has established (via substitution, if necessary) that path is
	// valid.
	DerivationFromPath(path store.StorePath) (*store.Derivation, error)
}

type node struct {
	id int64
	p  store.StorePath
}

func (n *node) ID() int64 { return n.id }

// ValidateAcyclic builds a directed graph over root and its transitive
// input-derivation references (fetched via s) and reports a
// MisconfigurationFailure-shaped error if it contains a cycle. A cyclic
// derivation graph can never be realised, surfaced immediately and never
// retried, so the engine checks this before creating any goals rather
// than deadlocking the Worker loop.
func ValidateAcyclic(s Store, root store.StorePath) error {
	g := simple.NewDirectedGraph()
	ids := map[string]*node{}

	nodeFor := func(p store.StorePath) *node {
		if n, ok := ids[p.String()]; ok {
			return n
		}
		n := &node{id: int64(len(ids)), p: p}
		ids[p.String()] = n
		g.AddNode(n)
		return n
	}

	var visit func(p store.StorePath) error
	seen := map[string]bool{}
	visit = func(p store.StorePath) error {
		if seen[p.String()] {
			return nil
		}
		seen[p.String()] = true
		d, err := s.DerivationFromPath(p)
		if err != nil {
			return xerrors.Errorf("DerivationFromPath(%s): %w", p, err)
		}
		from := nodeFor(p)
		for inputDrv := range d.InputDrvs {
			to := nodeFor(inputDrv)
			g.SetEdge(g.NewEdge(from, to))
			if err := visit(inputDrv); err != nil {
				return err
			}
		}
		return nil
	}
	if err := visit(root); err != nil {
		return err
	}

	if _, err := topo.SortStabilized(g, nil); err != nil {
		if cycles, ok := err.(topo.Unorderable); ok {
			return fmt.Errorf("derivation graph rooted at %s is cyclic: %d cycle(s)", root, len(cycles))
		}
		return err
	}
	return nil
}

// Closure computes the full set of store paths reachable from root by
// following each ValidPathInfo's References, using the supplied lookup
// function. It is used by DerivationGoal (unionClosures) to compute the
// closure of each input source.
func Closure(root store.StorePath, refsOf func(store.StorePath) ([]store.StorePath, error)) ([]store.StorePath, error) {
	seen := map[string]bool{root.String(): true}
	order := []store.StorePath{root}
	queue := []store.StorePath{root}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		refs, err := refsOf(p)
		if err != nil {
			return nil, err
		}
		for _, r := range refs {
			if seen[r.String()] {
				continue
			}
			seen[r.String()] = true
			order = append(order, r)
			queue = append(queue, r)
		}
	}
	return order, nil
}

var _ graph.Node = (*node)(nil)
