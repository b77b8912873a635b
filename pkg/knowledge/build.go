package knowledge

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"codepipe/pkg/codegraph"
)

// Node id prefixes, one per level.
const (
	symbolPrefix    = "sym:"
	modulePrefix    = "mod:"
	subsystemPrefix = "sub:"
	projectPrefix   = "proj:"
)

// SymbolID returns the node id of a codegraph symbol key.
func SymbolID(key string) string { return symbolPrefix + key }

// ModuleID returns the node id of a source file.
func ModuleID(file string) string { return modulePrefix + file }

// SubsystemID returns the node id of a package directory.
func SubsystemID(dir string) string { return subsystemPrefix + dir }

// ProjectID returns the node id of the project root.
func ProjectID(name string) string { return projectPrefix + name }

// FromSnapshot converts a codegraph snapshot into a leveled memory graph:
// project contains subsystems (packages), subsystems contain modules (files), modules define
// symbols, symbols call symbols, and subsystems import subsystems.
func FromSnapshot(snap *codegraph.Snapshot, projectName string) (*Graph, error) {
	g := NewGraph()
	if projectName == "" {
		projectName = snap.Module
	}
	if projectName == "" {
		projectName = path.Base(snap.Root)
	}

	proj := &Node{
		ID:      ProjectID(projectName),
		Level:   LevelProject,
		Name:    projectName,
		Summary: fmt.Sprintf("project %s: %d packages, %d files, %d symbols", projectName, len(snap.Packages()), len(snap.Files), len(snap.Symbols)),
	}
	g.AddNode(proj)

	symbolsPerFile := make(map[string]int)
	for i := range snap.Symbols {
		symbolsPerFile[snap.Symbols[i].File]++
	}

	pkgNames := make(map[string]string)
	for _, f := range snap.Files {
		pkgNames[f.Package] = f.PackageName
	}
	for _, dir := range snap.Packages() {
		n := &Node{
			ID:      SubsystemID(dir),
			Level:   LevelSubsystem,
			Name:    dir,
			Summary: fmt.Sprintf("package %s (%s)", pkgNames[dir], dir),
			Path:    dir,
			Package: dir,
		}
		n.Tokens = Tokenize(dir + " " + pkgNames[dir])
		g.AddNode(n)
		if err := g.AddEdge(proj.ID, n.ID, RelContains); err != nil {
			return nil, err
		}
	}

	for _, file := range sortedKeys(snap.Files) {
		f := snap.Files[file]
		summary := firstSentence(f.Doc)
		if summary == "" {
			summary = fmt.Sprintf("file %s in package %s, %d declarations", f.Path, f.PackageName, symbolsPerFile[f.Path])
		}
		n := &Node{
			ID:      ModuleID(f.Path),
			Level:   LevelModule,
			Name:    path.Base(f.Path),
			Summary: summary,
			Path:    f.Path,
			Package: f.Package,
		}
		n.Tokens = Tokenize(strings.TrimSuffix(path.Base(f.Path), ".go"))
		g.AddNode(n)
		if err := g.AddEdge(SubsystemID(f.Package), n.ID, RelContains); err != nil {
			return nil, err
		}
	}

	for i := range snap.Symbols {
		s := &snap.Symbols[i]
		name := s.Name
		if s.Receiver != "" {
			name = s.Receiver + "." + s.Name
		}
		summary := firstSentence(s.Doc)
		if summary == "" {
			summary = strings.TrimSpace(string(s.Kind) + " " + s.Signature)
		}
		n := &Node{
			ID:      SymbolID(s.Key()),
			Level:   LevelSymbol,
			Name:    name,
			Summary: summary,
			Path:    s.File,
			Package: s.Package,
		}
		n.Tokens = nodeTokens(n)
		g.AddNode(n)
		if err := g.AddEdge(ModuleID(s.File), n.ID, RelDefines); err != nil {
			return nil, err
		}
	}

	for _, c := range snap.Calls {
		if err := g.AddEdge(SymbolID(c.From), SymbolID(c.To), RelCalls); err != nil {
			return nil, err
		}
	}
	for _, from := range sortedKeys(snap.PackageImports) {
		for _, to := range snap.PackageImports[from] {
			if _, ok := g.Nodes[SubsystemID(to)]; !ok {
				continue
			}
			if err := g.AddEdge(SubsystemID(from), SubsystemID(to), RelImports); err != nil {
				return nil, err
			}
		}
	}

	if err := ValidateAndReport(g); err != nil {
		return nil, err
	}
	return g, nil
}

func firstSentence(doc string) string {
	doc = strings.TrimSpace(strings.ReplaceAll(doc, "\n", " "))
	if i := strings.Index(doc, ". "); i >= 0 {
		return doc[:i+1]
	}
	return doc
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
