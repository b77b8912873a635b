// Package codegraph extracts a symbol graph from a Go source tree.
//
// The builder parses every non-test .go file under a root with go/parser, records top-level
// declarations as symbols, resolves call sites to symbols of the same module where it can, and
// records package-to-package imports. It also fingerprints files so callers can decide when a
// graph has gone stale.
package codegraph

import (
	"context"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/mod/modfile"
	"golang.org/x/sync/errgroup"
	"golang.org/x/tools/go/ast/inspector"

	"codepipe/pkg/logx"
	"codepipe/pkg/proto"
)

// SymbolKind is the declaration kind of a symbol.
type SymbolKind string

const (
	KindFunction  SymbolKind = "function"
	KindMethod    SymbolKind = "method"
	KindStruct    SymbolKind = "struct"
	KindInterface SymbolKind = "interface"
	KindType      SymbolKind = "type"
	KindVariable  SymbolKind = "variable"
	KindConstant  SymbolKind = "constant"
)

// Symbol is a top-level declaration.
//
//nolint:govet // logical grouping preferred over alignment
type Symbol struct {
	Name      string     `json:"name"`
	Receiver  string     `json:"receiver,omitempty"`
	Kind      SymbolKind `json:"kind"`
	File      string     `json:"file"`    // slash-separated, relative to root
	Package   string     `json:"package"` // directory of File, "." for the root
	StartLine int        `json:"start_line"`
	EndLine   int        `json:"end_line"`
	Signature string     `json:"signature,omitempty"`
	Doc       string     `json:"doc,omitempty"`
}

// Key identifies a symbol within one snapshot: "<package>.<[Receiver.]Name>".
func (s *Symbol) Key() string {
	if s.Receiver != "" {
		return s.Package + "." + s.Receiver + "." + s.Name
	}
	return s.Package + "." + s.Name
}

// Call is a resolved call edge between two symbols.
type Call struct {
	From string `json:"from"`
	To   string `json:"to"`
	Line int    `json:"line"`
}

// File describes one parsed source file.
type File struct {
	Path        string   `json:"path"`
	Package     string   `json:"package"`
	PackageName string   `json:"package_name"`
	Imports     []string `json:"imports,omitempty"`
	Hash        string   `json:"hash"`
	Doc         string   `json:"doc,omitempty"`
}

// Snapshot is the immutable output of one build.
type Snapshot struct {
	BuiltAt time.Time
	Root    string
	Module  string
	Files   map[string]*File
	// PackageImports maps an in-module package dir to the in-module package dirs it imports.
	PackageImports map[string][]string
	Symbols        []Symbol
	Calls          []Call
	Errors         []error
}

// Fingerprints returns path → content hash for every file in the snapshot.
func (s *Snapshot) Fingerprints() map[string]string {
	out := make(map[string]string, len(s.Files))
	for p, f := range s.Files {
		out[p] = f.Hash
	}
	return out
}

// Packages returns the sorted package dirs present in the snapshot.
func (s *Snapshot) Packages() []string {
	seen := make(map[string]bool)
	for _, f := range s.Files {
		seen[f.Package] = true
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Builder walks a source tree and produces snapshots.
type Builder struct {
	logger      *logx.Logger
	root        string
	parallelism int
}

// Option configures a Builder.
type Option func(*Builder)

// WithParallelism bounds concurrent file parsing.
func WithParallelism(n int) Option {
	return func(b *Builder) {
		if n > 0 {
			b.parallelism = n
		}
	}
}

// NewBuilder creates a builder rooted at root.
func NewBuilder(root string, opts ...Option) *Builder {
	b := &Builder{
		root:        root,
		parallelism: 8,
		logger:      logx.NewLogger("codegraph"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Root returns the absolute-or-as-given root directory.
func (b *Builder) Root() string {
	return b.root
}

// SkipDir reports whether a directory name is excluded from walking.
func SkipDir(name string) bool {
	if name == "." {
		return false
	}
	return strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") ||
		name == "vendor" || name == "testdata" || name == "node_modules"
}

// IsSource reports whether a file name is an indexed Go source file.
func IsSource(name string) bool {
	return strings.HasSuffix(name, ".go") && !strings.HasSuffix(name, "_test.go")
}

// sourceFiles lists the relative paths of indexed files in deterministic order.
func (b *Builder) sourceFiles(ctx context.Context) ([]string, error) {
	var files []string
	err := filepath.WalkDir(b.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if p != b.root && SkipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !IsSource(d.Name()) {
			return nil
		}
		rel, relErr := filepath.Rel(b.root, p)
		if relErr != nil {
			return fmt.Errorf("relative path for %s: %w", p, relErr)
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", b.root, err)
	}
	sort.Strings(files)
	return files, nil
}

// Fingerprints hashes every indexed file without parsing.
func (b *Builder) Fingerprints(ctx context.Context) (map[string]string, error) {
	files, err := b.sourceFiles(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(files))
	for _, rel := range files {
		content, readErr := os.ReadFile(filepath.Join(b.root, filepath.FromSlash(rel)))
		if readErr != nil {
			continue
		}
		out[rel] = proto.ContentHash(content)
	}
	return out, nil
}

// Diff returns the sorted paths added, removed, or changed between two fingerprint sets.
func Diff(before, after map[string]string) []string {
	var changed []string
	for p, h := range after {
		if before[p] != h {
			changed = append(changed, p)
		}
	}
	for p := range before {
		if _, ok := after[p]; !ok {
			changed = append(changed, p)
		}
	}
	sort.Strings(changed)
	return changed
}

type parsedFile struct {
	info  *File
	ast   *ast.File
	local map[string]string // import name → in-module package dir
}

// Build parses the tree and returns a new snapshot. Files that fail to parse are recorded in
// Snapshot.Errors and skipped.
func (b *Builder) Build(ctx context.Context) (*Snapshot, error) {
	start := time.Now()
	files, err := b.sourceFiles(ctx)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Root:           b.root,
		Module:         b.modulePath(),
		Files:          make(map[string]*File, len(files)),
		PackageImports: make(map[string][]string),
	}

	fset := token.NewFileSet()
	parsed := make([]*parsedFile, len(files))
	var (
		errMu     sync.Mutex
		parseErrs []error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.parallelism)
	for i, rel := range files {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			pf, parseErr := b.parseFile(fset, rel, snap.Module)
			if parseErr != nil {
				errMu.Lock()
				parseErrs = append(parseErrs, fmt.Errorf("%s: %w", rel, parseErr))
				errMu.Unlock()
				return nil
			}
			parsed[i] = pf
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", b.root, err)
	}
	snap.Errors = parseErrs

	for _, pf := range parsed {
		if pf == nil {
			continue
		}
		snap.Files[pf.info.Path] = pf.info
		snap.Symbols = append(snap.Symbols, extractSymbols(fset, pf)...)
	}
	sort.SliceStable(snap.Symbols, func(i, j int) bool {
		return snap.Symbols[i].Key() < snap.Symbols[j].Key()
	})

	snap.Calls = resolveCalls(fset, parsed, snap.Symbols)
	snap.PackageImports = packageImports(parsed)
	snap.BuiltAt = time.Now()

	b.logger.Info("built graph for %s: %d files, %d symbols, %d calls, %d errors in %s",
		b.root, len(snap.Files), len(snap.Symbols), len(snap.Calls), len(snap.Errors), time.Since(start).Round(time.Millisecond))
	return snap, nil
}

// modulePath reads the module path from root/go.mod. Empty when absent.
func (b *Builder) modulePath() string {
	data, err := os.ReadFile(filepath.Join(b.root, "go.mod"))
	if err != nil {
		return ""
	}
	return modfile.ModulePath(data)
}

func (b *Builder) parseFile(fset *token.FileSet, rel, module string) (*parsedFile, error) {
	content, err := os.ReadFile(filepath.Join(b.root, filepath.FromSlash(rel)))
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	file, err := parser.ParseFile(fset, rel, content, parser.ParseComments|parser.SkipObjectResolution)
	if err != nil {
		return nil, fmt.Errorf("parsing file: %w", err)
	}

	pkgDir := path.Dir(rel)
	info := &File{
		Path:        rel,
		Package:     pkgDir,
		PackageName: file.Name.Name,
		Hash:        proto.ContentHash(content),
		Doc:         docText(file.Doc),
	}
	local := make(map[string]string)
	for _, imp := range file.Imports {
		importPath, unquoteErr := strconv.Unquote(imp.Path.Value)
		if unquoteErr != nil {
			continue
		}
		info.Imports = append(info.Imports, importPath)

		dir, ok := moduleDir(module, importPath)
		if !ok {
			continue
		}
		name := path.Base(importPath)
		if imp.Name != nil {
			name = imp.Name.Name
		}
		if name != "_" && name != "." {
			local[name] = dir
		}
	}
	return &parsedFile{info: info, ast: file, local: local}, nil
}

// moduleDir maps an import path inside module to its package directory.
func moduleDir(module, importPath string) (string, bool) {
	if module == "" {
		return "", false
	}
	if importPath == module {
		return ".", true
	}
	if rest, ok := strings.CutPrefix(importPath, module+"/"); ok {
		return rest, true
	}
	return "", false
}

func extractSymbols(fset *token.FileSet, pf *parsedFile) []Symbol {
	var out []Symbol
	base := Symbol{File: pf.info.Path, Package: pf.info.Package}

	for _, decl := range pf.ast.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			sym := base
			sym.Name = d.Name.Name
			sym.Kind = KindFunction
			if d.Recv != nil && len(d.Recv.List) > 0 {
				sym.Kind = KindMethod
				sym.Receiver = receiverName(d.Recv.List[0].Type)
			}
			sym.StartLine = fset.Position(d.Pos()).Line
			sym.EndLine = fset.Position(d.End()).Line
			sym.Signature = "func " + d.Name.Name + funcTypeString(d.Type)
			sym.Doc = docText(d.Doc)
			out = append(out, sym)
		case *ast.GenDecl:
			out = append(out, genDeclSymbols(fset, base, d)...)
		}
	}
	return out
}

func genDeclSymbols(fset *token.FileSet, base Symbol, d *ast.GenDecl) []Symbol {
	var out []Symbol
	parentDoc := docText(d.Doc)
	for _, spec := range d.Specs {
		switch s := spec.(type) {
		case *ast.TypeSpec:
			sym := base
			sym.Name = s.Name.Name
			switch s.Type.(type) {
			case *ast.StructType:
				sym.Kind = KindStruct
			case *ast.InterfaceType:
				sym.Kind = KindInterface
			default:
				sym.Kind = KindType
			}
			sym.StartLine = fset.Position(s.Pos()).Line
			sym.EndLine = fset.Position(s.End()).Line
			sym.Signature = "type " + s.Name.Name + " " + exprString(s.Type)
			sym.Doc = docText(s.Doc)
			if sym.Doc == "" {
				sym.Doc = parentDoc
			}
			out = append(out, sym)
		case *ast.ValueSpec:
			kind := KindVariable
			if d.Tok == token.CONST {
				kind = KindConstant
			}
			for _, name := range s.Names {
				if name.Name == "_" {
					continue
				}
				sym := base
				sym.Name = name.Name
				sym.Kind = kind
				sym.StartLine = fset.Position(name.Pos()).Line
				sym.EndLine = fset.Position(s.End()).Line
				if s.Type != nil {
					sym.Signature = exprString(s.Type)
				}
				sym.Doc = docText(s.Doc)
				if sym.Doc == "" {
					sym.Doc = parentDoc
				}
				out = append(out, sym)
			}
		}
	}
	return out
}

// resolveCalls links call sites inside function bodies to known symbols. Qualified calls
// (pkg.Fn) resolve through in-module imports; bare calls resolve within the caller's package;
// method calls (x.M) resolve to every method named M in the caller's package.
func resolveCalls(fset *token.FileSet, parsed []*parsedFile, symbols []Symbol) []Call {
	byKey := make(map[string]bool, len(symbols))
	methodsByPkg := make(map[string]map[string][]string) // pkg → method name → keys
	for i := range symbols {
		s := &symbols[i]
		byKey[s.Key()] = true
		if s.Kind == KindMethod {
			if methodsByPkg[s.Package] == nil {
				methodsByPkg[s.Package] = make(map[string][]string)
			}
			methodsByPkg[s.Package][s.Name] = append(methodsByPkg[s.Package][s.Name], s.Key())
		}
	}

	seen := make(map[[2]string]bool)
	var calls []Call
	add := func(from, to string, line int) {
		if from == to || !byKey[to] {
			return
		}
		k := [2]string{from, to}
		if seen[k] {
			return
		}
		seen[k] = true
		calls = append(calls, Call{From: from, To: to, Line: line})
	}

	for _, pf := range parsed {
		if pf == nil {
			continue
		}
		pkg := pf.info.Package
		insp := inspector.New([]*ast.File{pf.ast})
		insp.WithStack([]ast.Node{(*ast.CallExpr)(nil)}, func(n ast.Node, push bool, stack []ast.Node) bool {
			if !push {
				return true
			}
			caller := enclosingFunc(stack, pkg)
			if caller == "" {
				return true
			}
			call := n.(*ast.CallExpr)
			line := fset.Position(call.Pos()).Line
			switch fn := call.Fun.(type) {
			case *ast.Ident:
				add(caller, pkg+"."+fn.Name, line)
			case *ast.SelectorExpr:
				if x, ok := fn.X.(*ast.Ident); ok {
					if dir, imported := pf.local[x.Name]; imported {
						add(caller, dir+"."+fn.Sel.Name, line)
						return true
					}
				}
				for _, key := range methodsByPkg[pkg][fn.Sel.Name] {
					add(caller, key, line)
				}
			}
			return true
		})
	}

	sort.SliceStable(calls, func(i, j int) bool {
		if calls[i].From != calls[j].From {
			return calls[i].From < calls[j].From
		}
		return calls[i].To < calls[j].To
	})
	return calls
}

func enclosingFunc(stack []ast.Node, pkg string) string {
	for i := len(stack) - 1; i >= 0; i-- {
		fd, ok := stack[i].(*ast.FuncDecl)
		if !ok {
			continue
		}
		sym := Symbol{Name: fd.Name.Name, Package: pkg}
		if fd.Recv != nil && len(fd.Recv.List) > 0 {
			sym.Receiver = receiverName(fd.Recv.List[0].Type)
		}
		return sym.Key()
	}
	return ""
}

func packageImports(parsed []*parsedFile) map[string][]string {
	sets := make(map[string]map[string]bool)
	for _, pf := range parsed {
		if pf == nil {
			continue
		}
		from := pf.info.Package
		for _, dir := range pf.local {
			if dir == from {
				continue
			}
			if sets[from] == nil {
				sets[from] = make(map[string]bool)
			}
			sets[from][dir] = true
		}
	}
	out := make(map[string][]string, len(sets))
	for from, set := range sets {
		dirs := make([]string, 0, len(set))
		for d := range set {
			dirs = append(dirs, d)
		}
		sort.Strings(dirs)
		out[from] = dirs
	}
	return out
}

func receiverName(expr ast.Expr) string {
	switch e := expr.(type) {
	case *ast.StarExpr:
		return receiverName(e.X)
	case *ast.IndexExpr:
		return receiverName(e.X)
	case *ast.IndexListExpr:
		return receiverName(e.X)
	case *ast.Ident:
		return e.Name
	}
	return ""
}

func docText(cg *ast.CommentGroup) string {
	if cg == nil {
		return ""
	}
	return strings.TrimSpace(cg.Text())
}

func funcTypeString(ft *ast.FuncType) string {
	var sb strings.Builder
	sb.WriteString("(")
	writeFields(&sb, ft.Params)
	sb.WriteString(")")
	if ft.Results != nil && len(ft.Results.List) > 0 {
		if len(ft.Results.List) == 1 && len(ft.Results.List[0].Names) == 0 {
			sb.WriteString(" " + exprString(ft.Results.List[0].Type))
		} else {
			sb.WriteString(" (")
			writeFields(&sb, ft.Results)
			sb.WriteString(")")
		}
	}
	return sb.String()
}

func writeFields(sb *strings.Builder, fl *ast.FieldList) {
	if fl == nil {
		return
	}
	for i, field := range fl.List {
		if i > 0 {
			sb.WriteString(", ")
		}
		for j, n := range field.Names {
			if j > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(n.Name)
		}
		if len(field.Names) > 0 {
			sb.WriteString(" ")
		}
		sb.WriteString(exprString(field.Type))
	}
}

func exprString(expr ast.Expr) string {
	switch e := expr.(type) {
	case nil:
		return ""
	case *ast.Ident:
		return e.Name
	case *ast.StarExpr:
		return "*" + exprString(e.X)
	case *ast.SelectorExpr:
		return exprString(e.X) + "." + e.Sel.Name
	case *ast.ArrayType:
		if e.Len != nil {
			return "[" + exprString(e.Len) + "]" + exprString(e.Elt)
		}
		return "[]" + exprString(e.Elt)
	case *ast.MapType:
		return "map[" + exprString(e.Key) + "]" + exprString(e.Value)
	case *ast.ChanType:
		return "chan " + exprString(e.Value)
	case *ast.FuncType:
		return "func" + funcTypeString(e)
	case *ast.InterfaceType:
		return "interface{...}"
	case *ast.StructType:
		return "struct{...}"
	case *ast.Ellipsis:
		return "..." + exprString(e.Elt)
	case *ast.BasicLit:
		return e.Value
	case *ast.IndexExpr:
		return exprString(e.X) + "[" + exprString(e.Index) + "]"
	}
	return "?"
}
