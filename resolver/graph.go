// Package resolver builds the transitive dependency graph for a set of
// requested specifiers. It pulls catalogues through a registry.Client,
// selects concrete versions with the semver package, and produces a
// cycle-tolerant DAG along with a deterministic installation order.
//
// The shape follows the teacher's concurrent download pipeline
// (npm/download.Downloader): a frontier of work items processed in
// waves, each wave bounded by a shared semaphore, with a
// dependency-discovery channel replaced here by a plain work queue since
// the whole frontier for a wave is known up front.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/qipkg/qipi/registry"
	"github.com/qipkg/qipi/semver"
	"github.com/qipkg/qipi/specifier"
)

const maxFanout = 100

// Request is a single package to resolve: a name and a raw range
// expression (defaulting to "latest", never empty).
type Request struct {
	Name  string
	Range string
}

// DAGNode is one resolved package in the graph: its concrete key
// ("name@version"), the raw dependency keys declared against it (for
// display/ordering — re-resolved by lookup when walked) and the full
// manifest that produced it.
type DAGNode struct {
	Key  string
	Deps []string
	Info registry.VersionManifest
}

// Graph is the resolver's output: a mapping from concrete key to node. It
// may contain cycles when the underlying registry data does.
type Graph struct {
	Nodes map[string]DAGNode
}

// InstallationOrder returns every key in the graph exactly once, with
// dependencies preceding dependents. Deps are recorded as raw
// "name@range" strings (see DAGNode), so each is first resolved to the
// concrete "name@version" key the graph actually settled on for that
// name before being followed. Cycles are tolerated by marking a node as
// processed on entry to its DFS visit, so a revisit returns immediately
// instead of recursing forever. Root iteration is sorted lexicographically
// so the result does not depend on map iteration order.
func (g *Graph) InstallationOrder() []string {
	if len(g.Nodes) == 0 {
		return nil
	}

	concreteKeyByName := make(map[string]string, len(g.Nodes))
	for key, node := range g.Nodes {
		if name, _, ok := splitKey(key); ok {
			concreteKeyByName[name] = node.Key
		}
	}

	roots := make([]string, 0, len(g.Nodes))
	for k := range g.Nodes {
		roots = append(roots, k)
	}
	sort.Strings(roots)

	result := make([]string, 0, len(g.Nodes))
	processed := make(map[string]bool, len(g.Nodes))

	var visit func(key string)
	visit = func(key string) {
		if processed[key] {
			return
		}
		processed[key] = true
		node, ok := g.Nodes[key]
		if !ok {
			return
		}
		for _, depKey := range node.Deps {
			name, _, ok := splitKey(depKey)
			if !ok {
				continue
			}
			concreteKey, ok := concreteKeyByName[name]
			if !ok {
				continue
			}
			visit(concreteKey)
		}
		result = append(result, key)
	}

	for _, root := range roots {
		visit(root)
	}

	return result
}

// Builder resolves requests into concrete DAGNodes, deduplicating and
// caching resolutions across a single process's lifetime.
type Builder struct {
	log    *slog.Logger
	client *registry.Client

	sem chan struct{}

	mu              sync.RWMutex
	resolutionCache map[string]string // "name@raw-range" -> "name@selected"
}

// New creates a Builder backed by the given registry client.
func New(log *slog.Logger, client *registry.Client) *Builder {
	return &Builder{
		log:             log,
		client:          client,
		sem:             make(chan struct{}, maxFanout),
		resolutionCache: make(map[string]string),
	}
}

// Build builds the transitive graph rooted at a single request.
func (b *Builder) Build(ctx context.Context, root Request) *Graph {
	return b.buildGraph(ctx, []Request{root})
}

// BuildMissing resolves the transitive closure of many requests at once
// and returns the flat, de-duplicated manifest set — the shape the
// orchestrator needs to hand to the store for installation.
func (b *Builder) BuildMissing(ctx context.Context, requests []Request) []registry.VersionManifest {
	graph := b.buildGraph(ctx, requests)
	manifests := make([]registry.VersionManifest, 0, len(graph.Nodes))
	for _, node := range graph.Nodes {
		manifests = append(manifests, node.Info)
	}
	return manifests
}

// buildGraph runs the two-phase build described in spec §4.4: frontier
// expansion (concurrent, semaphore-bounded resolve_one calls per wave)
// followed by graph assembly from the collected nodes.
func (b *Builder) buildGraph(ctx context.Context, roots []Request) *Graph {
	seen := make(map[string]bool)
	toResolve := roots
	var collected []DAGNode

	for len(toResolve) > 0 {
		batch := toResolve
		toResolve = nil

		results := make([]*DAGNode, len(batch))
		var wg sync.WaitGroup
		for i, req := range batch {
			wg.Add(1)
			go func(i int, req Request) {
				defer wg.Done()
				select {
				case b.sem <- struct{}{}:
					defer func() { <-b.sem }()
				case <-ctx.Done():
					return
				}
				results[i] = b.resolveOne(ctx, req)
			}(i, req)
		}
		wg.Wait()

		for _, node := range results {
			if node == nil {
				continue
			}
			if seen[node.Key] {
				continue
			}
			seen[node.Key] = true
			collected = append(collected, *node)

			for _, depKey := range node.Deps {
				name, rng, ok := splitKey(depKey)
				if !ok {
					continue
				}
				if seen[depKey] {
					continue
				}
				toResolve = append(toResolve, Request{Name: name, Range: rng})
			}
		}
	}

	graph := &Graph{Nodes: make(map[string]DAGNode, len(collected))}
	for _, node := range collected {
		graph.Nodes[node.Key] = node
	}
	return graph
}

// resolveOne resolves a single request to a concrete DAGNode, following
// the contract in spec §4.4: consult the resolution cache, fetch the
// catalogue, select a version, and build the node's display-ordered
// dependency key list (dependencies, then optionalDependencies, then
// peerDependencies — devDependencies are never traversed).
func (b *Builder) resolveOne(ctx context.Context, req Request) *DAGNode {
	cacheKey := fmt.Sprintf("%s@%s", req.Name, req.Range)

	b.mu.RLock()
	finalKey, cached := b.resolutionCache[cacheKey]
	b.mu.RUnlock()

	entries := b.client.Catalogue(ctx, req.Name)
	if len(entries) == 0 {
		return nil
	}

	if cached {
		_, version, ok := splitKey(finalKey)
		if ok {
			for _, e := range entries {
				if e.Version == version {
					return nodeFromEntry(finalKey, e)
				}
			}
		}
	}

	candidates := make([]string, len(entries))
	byVersion := make(map[string]registry.Entry, len(entries))
	for i, e := range entries {
		candidates[i] = e.Version
		byVersion[e.Version] = e
	}

	selected, ok := semver.Select(req.Range, candidates)
	if !ok {
		b.log.Warn("no version satisfies range", slog.String("package", req.Name), slog.String("range", req.Range))
		return nil
	}

	entry := byVersion[selected]
	finalKey = fmt.Sprintf("%s@%s", req.Name, selected)

	b.mu.Lock()
	b.resolutionCache[cacheKey] = finalKey
	b.mu.Unlock()

	return nodeFromEntry(finalKey, entry)
}

func nodeFromEntry(key string, e registry.Entry) *DAGNode {
	deps := make([]string, 0, len(e.Manifest.Dependencies)+len(e.Manifest.OptionalDependencies)+len(e.Manifest.PeerDependencies))
	deps = appendDeps(deps, e.Manifest.Dependencies)
	deps = appendDeps(deps, e.Manifest.OptionalDependencies)
	deps = appendDeps(deps, e.Manifest.PeerDependencies)
	return &DAGNode{Key: key, Deps: deps, Info: e.Manifest}
}

func appendDeps(deps []string, m map[string]string) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		deps = append(deps, fmt.Sprintf("%s@%s", name, m[name]))
	}
	return deps
}

// splitKey splits a "name@range-or-version" dependency key at its last
// '@', mirroring specifier.Parse's rule so scoped names survive intact.
func splitKey(key string) (name, rangeOrVersion string, ok bool) {
	s, err := specifier.Parse(key)
	if err != nil {
		return "", "", false
	}
	return s.FullName(), s.Range, true
}
