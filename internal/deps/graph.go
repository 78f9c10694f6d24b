// Package deps consumes a pre-built unit dependency graph and answers
// transitive dependency queries for the workspace's selective-restart policy.
//
// The graph artifact is a DOT digraph (import_graph.dot) produced by an
// external tool; leanserve never invokes that tool, it only reads the file.
// Nodes are module names (A.B.C); edges point from an importer to the module
// it imports.
package deps

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Graph is an immutable directed dependency graph.
type Graph struct {
	// imports maps a module to the modules it imports directly.
	imports map[string][]string
	nodes   map[string]bool
}

// ParseDOT reads the subset of DOT emitted by the import-graph tool:
// optionally quoted node declarations and "A" -> "B" edges. Attributes and
// subgraphs are ignored.
func ParseDOT(r *bufio.Reader) (*Graph, error) {
	g := &Graph{
		imports: make(map[string][]string),
		nodes:   make(map[string]bool),
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		line = strings.TrimSuffix(line, ";")
		if line == "" || strings.HasPrefix(line, "//") || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "digraph") || line == "{" || line == "}" {
			continue
		}
		// Strip trailing attribute lists: `"A" -> "B" [style=dashed]`.
		if i := strings.Index(line, "["); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if line == "" {
			continue
		}

		if from, to, ok := strings.Cut(line, "->"); ok {
			src := unquote(from)
			dst := unquote(to)
			if src == "" || dst == "" {
				continue
			}
			g.nodes[src] = true
			g.nodes[dst] = true
			g.imports[src] = append(g.imports[src], dst)
			continue
		}
		if node := unquote(line); node != "" && !strings.Contains(node, "=") {
			g.nodes[node] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning graph: %w", err)
	}
	return g, nil
}

func unquote(s string) string {
	return strings.Trim(strings.TrimSpace(s), `"`)
}

// Contains reports whether the module is a node of the graph.
func (g *Graph) Contains(module string) bool {
	return g.nodes[module]
}

// Len returns the node count.
func (g *Graph) Len() int { return len(g.nodes) }

// Dependencies returns every module the given module depends on, directly or
// transitively. Unknown modules yield an empty set.
func (g *Graph) Dependencies(module string) map[string]bool {
	result := make(map[string]bool)
	if !g.nodes[module] {
		return result
	}

	stack := []string{module}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, dep := range g.imports[current] {
			if !result[dep] {
				result[dep] = true
				stack = append(stack, dep)
			}
		}
	}
	delete(result, module)
	return result
}

// UnitToModule converts a unit path (A/B.lean) to its module name (A.B).
func UnitToModule(unit string) string {
	unit = strings.TrimSuffix(unit, ".lean")
	unit = filepath.ToSlash(unit)
	return strings.ReplaceAll(unit, "/", ".")
}

// ModuleToUnit converts a module name (A.B) to its unit path (A/B.lean).
func ModuleToUnit(module string) string {
	return filepath.FromSlash(strings.ReplaceAll(module, ".", "/")) + ".lean"
}

// DependencyUnits returns the unit paths the given unit depends on.
func (g *Graph) DependencyUnits(unit string) map[string]bool {
	result := make(map[string]bool)
	for module := range g.Dependencies(UnitToModule(unit)) {
		result[ModuleToUnit(module)] = true
	}
	return result
}

// LoadDOT opens and parses a graph artifact.
func LoadDOT(path string) (*Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening graph %s: %w", path, err)
	}
	defer f.Close()

	g, err := ParseDOT(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("parsing graph %s: %w", path, err)
	}
	return g, nil
}
