package codegraph

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTree creates files (slash paths → content) under a fresh temp dir.
func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return root
}

func sampleTree() map[string]string {
	return map[string]string{
		"go.mod": "module example.com/shop\n\ngo 1.24\n",
		"main.go": `package main

import "example.com/shop/billing"

func main() {
	billing.Charge(10)
}
`,
		"billing/charge.go": `// Package billing charges customers.
package billing

import "fmt"

// Invoice is a bill.
type Invoice struct{ Total int }

// Charge bills an amount.
func Charge(amount int) *Invoice {
	inv := &Invoice{Total: amount}
	inv.Apply()
	fmt.Println(validate(amount))
	return inv
}

func validate(amount int) bool { return amount > 0 }

func (i *Invoice) Apply() {}

const MaxAmount = 1000
`,
		"billing/charge_test.go": "package billing\n\nfunc TestX() {}\n",
		"vendor/dep/dep.go":      "package dep\n\nfunc Hidden() {}\n",
		".git/x.go":              "package x\n",
	}
}

func TestBuildExtractsSymbolsAndCalls(t *testing.T) {
	root := writeTree(t, sampleTree())

	snap, err := NewBuilder(root).Build(context.Background())
	require.NoError(t, err)
	require.Empty(t, snap.Errors)

	assert.Equal(t, "example.com/shop", snap.Module)
	assert.Len(t, snap.Files, 2, "test, vendor and hidden files are skipped")
	assert.Equal(t, []string{".", "billing"}, snap.Packages())

	keys := make(map[string]Symbol)
	for _, s := range snap.Symbols {
		keys[s.Key()] = s
	}
	require.Contains(t, keys, "billing.Charge")
	assert.Equal(t, KindFunction, keys["billing.Charge"].Kind)
	assert.Equal(t, "Charge bills an amount.", keys["billing.Charge"].Doc)
	assert.Equal(t, "func Charge(amount int) *Invoice", keys["billing.Charge"].Signature)
	assert.Equal(t, KindMethod, keys["billing.Invoice.Apply"].Kind)
	assert.Equal(t, KindStruct, keys["billing.Invoice"].Kind)
	assert.Equal(t, KindConstant, keys["billing.MaxAmount"].Kind)
	assert.Contains(t, keys, "..main")

	calls := make(map[[2]string]bool)
	for _, c := range snap.Calls {
		calls[[2]string{c.From, c.To}] = true
	}
	assert.True(t, calls[[2]string{"..main", "billing.Charge"}], "cross-package call via import")
	assert.True(t, calls[[2]string{"billing.Charge", "billing.validate"}], "same-package call")
	assert.True(t, calls[[2]string{"billing.Charge", "billing.Invoice.Apply"}], "method call")
	assert.Len(t, snap.Calls, 3, "calls to unknown symbols like fmt.Println are dropped")

	assert.Equal(t, []string{"billing"}, snap.PackageImports["."])
}

func TestBuildIsDeterministic(t *testing.T) {
	root := writeTree(t, sampleTree())
	b := NewBuilder(root, WithParallelism(3))

	first, err := b.Build(context.Background())
	require.NoError(t, err)
	second, err := b.Build(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first.Symbols, second.Symbols)
	assert.Equal(t, first.Calls, second.Calls)
	assert.Equal(t, first.Fingerprints(), second.Fingerprints())
}

func TestBuildRecordsParseErrors(t *testing.T) {
	root := writeTree(t, map[string]string{
		"ok.go":     "package p\n\nfunc Fine() {}\n",
		"broken.go": "package p\n\nfunc {\n",
	})
	snap, err := NewBuilder(root).Build(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap.Errors, 1)
	assert.Len(t, snap.Files, 1)
}

func TestFingerprintsAndDiff(t *testing.T) {
	root := writeTree(t, sampleTree())
	b := NewBuilder(root)

	before, err := b.Fingerprints(context.Background())
	require.NoError(t, err)
	assert.Len(t, before, 2)

	require.NoError(t, os.WriteFile(filepath.Join(root, "billing", "charge.go"), []byte("package billing\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "billing", "extra.go"), []byte("package billing\n"), 0o644))

	after, err := b.Fingerprints(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"billing/charge.go", "billing/extra.go"}, Diff(before, after))
	assert.Empty(t, Diff(after, after))
}

func TestWatcherReportsChangedSources(t *testing.T) {
	root := writeTree(t, sampleTree())

	var (
		mu      sync.Mutex
		changed []string
	)
	got := make(chan struct{}, 1)
	w, err := NewWatcher(root, 20*time.Millisecond, func(paths []string) {
		mu.Lock()
		changed = append(changed, paths...)
		mu.Unlock()
		select {
		case got <- struct{}{}:
		default:
		}
	})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(filepath.Join(root, "billing", "new.go"), []byte("package billing\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("ignored"), 0o644))

	select {
	case <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not report change")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, changed, "billing/new.go")
	assert.NotContains(t, changed, "notes.txt")
}
