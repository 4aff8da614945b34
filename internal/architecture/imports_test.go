package architecture_test

import (
	"bufio"
	"fmt"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

// sourceFile is a non-test Go file under internal/ with its imports.
type sourceFile struct {
	rel     string
	imports []string
}

func TestLayerBoundaries(t *testing.T) {
	root, modulePath := moduleRoot(t)
	internal := modulePath + "/internal/"

	rules := []struct {
		layer      string
		disallowed []string
	}{
		{"internal/domain/", []string{internal}},
		{"internal/platform/", []string{
			internal + "app", internal + "data/", internal + "http",
			internal + "ingest", internal + "jobs/", internal + "modules/",
		}},
		{"internal/modules/", []string{
			internal + "app", internal + "data/cache", internal + "data/db",
			internal + "data/repos/", internal + "http", internal + "ingest",
			internal + "jobs/",
		}},
		{"internal/data/", []string{
			internal + "app", internal + "http", internal + "ingest", internal + "jobs/",
		}},
		{"internal/jobs/", []string{
			internal + "app", internal + "data/", internal + "http", internal + "ingest",
		}},
		{"internal/ingest/", []string{
			internal + "app", internal + "data/cache", internal + "data/db",
			internal + "data/repos/", internal + "http", internal + "jobs/",
		}},
	}

	var violations []string
	for _, f := range sourceFiles(t, root) {
		for _, rule := range rules {
			if !strings.HasPrefix(f.rel, rule.layer) {
				continue
			}
			for _, imp := range f.imports {
				for _, bad := range rule.disallowed {
					if strings.HasPrefix(imp, bad) {
						violations = append(violations, fmt.Sprintf("- %s imports %q (disallowed: %q)", f.rel, imp, bad))
					}
				}
			}
		}
	}
	if len(violations) > 0 {
		t.Fatalf("import boundary violations:\n%s", strings.Join(violations, "\n"))
	}
}

// GORM stays behind the data layer; the snapshot service and scheduler see
// stores only through their interfaces.
func TestGormConfinedToDataLayer(t *testing.T) {
	root, _ := moduleRoot(t)
	allowed := []string{
		"internal/app/",
		"internal/data/",
		"internal/domain/",
		"internal/platform/dbctx/",
		"internal/platform/lock/",
	}

	var violations []string
	for _, f := range sourceFiles(t, root) {
		if hasAnyPrefix(f.rel, allowed) {
			continue
		}
		for _, imp := range f.imports {
			if strings.HasPrefix(imp, "gorm.io/") {
				violations = append(violations, fmt.Sprintf("- %s imports %q", f.rel, imp))
			}
		}
	}
	if len(violations) > 0 {
		t.Fatalf("gorm imports outside the data layer:\n%s", strings.Join(violations, "\n"))
	}
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func sourceFiles(t *testing.T, root string) []sourceFile {
	t.Helper()
	fset := token.NewFileSet()
	var out []sourceFile
	err := filepath.WalkDir(filepath.Join(root, "internal"), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		f, err := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
		if err != nil {
			return err
		}
		sf := sourceFile{rel: filepath.ToSlash(rel)}
		for _, spec := range f.Imports {
			if imp, err := strconv.Unquote(spec.Path.Value); err == nil {
				sf.imports = append(sf.imports, imp)
			}
		}
		out = append(out, sf)
		return nil
	})
	if err != nil {
		t.Fatalf("walk internal/: %v", err)
	}
	if len(out) == 0 {
		t.Fatalf("no source files found under %s/internal", root)
	}
	return out
}

// moduleRoot walks up from the working directory to go.mod and returns the
// directory and the declared module path.
func moduleRoot(t *testing.T) (string, string) {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		f, err := os.Open(filepath.Join(dir, "go.mod"))
		if err == nil {
			defer f.Close()
			scanner := bufio.NewScanner(f)
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if mp, ok := strings.CutPrefix(line, "module "); ok && strings.TrimSpace(mp) != "" {
					return dir, strings.TrimSpace(mp)
				}
			}
			t.Fatalf("module path not found in %s/go.mod", dir)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatalf("go.mod not found")
		}
		dir = parent
	}
}
