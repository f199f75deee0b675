package scope

import (
	"context"
	"testing"

	"codestory/internal/chunk"
	"codestory/internal/langconfig"
)

func newTestIndexer() *Indexer {
	return NewIndexer(langconfig.NewRegistry())
}

func TestIndexFile_GoScopesAndIdentifiers(t *testing.T) {
	src := []byte(`package demo

// Helper answers questions.
func Helper() int {
	return 42
}

func caller() int {
	return Helper()
}
`)
	idx, err := newTestIndexer().IndexFile(context.Background(), "demo.go", src)
	if err != nil {
		t.Fatalf("indexing: %v", err)
	}
	if idx.Fallback || idx.ParseFailed {
		t.Fatalf("expected a clean parse, got %+v", idx)
	}
	if idx.Language != "go" {
		t.Errorf("language = %q", idx.Language)
	}

	var names []string
	for _, s := range idx.Scopes {
		if s.Kind == KindNamedScope {
			names = append(names, s.Name)
		}
	}
	if len(names) != 2 || names[0] != "Helper" || names[1] != "caller" {
		t.Errorf("named scopes = %v", names)
	}

	var helperDefs, helperRefs int
	for _, d := range idx.Definitions {
		if d.Name == "Helper" {
			helperDefs++
		}
	}
	for _, r := range idx.References {
		if r.Name == "Helper" {
			helperRefs++
		}
	}
	if helperDefs != 1 {
		t.Errorf("Helper definitions = %d, want 1", helperDefs)
	}
	if helperRefs < 1 {
		t.Errorf("Helper references = %d, want >= 1", helperRefs)
	}

	if len(idx.Comments) != 1 {
		t.Errorf("comments = %d, want 1", len(idx.Comments))
	}
}

func TestIndexFile_PythonScopes(t *testing.T) {
	src := []byte(`class Greeter:
    def greet(self):
        return "hi"

def main():
    return Greeter().greet()
`)
	idx, err := newTestIndexer().IndexFile(context.Background(), "app.py", src)
	if err != nil {
		t.Fatalf("indexing: %v", err)
	}
	if idx.Fallback {
		t.Fatal("python should not fall back")
	}

	found := map[string]bool{}
	for _, s := range idx.Scopes {
		found[s.Name] = true
	}
	for _, want := range []string{"Greeter", "greet", "main"} {
		if !found[want] {
			t.Errorf("missing scope %q in %v", want, found)
		}
	}
}

func TestIndexFile_UnknownLanguageFallsBack(t *testing.T) {
	idx, err := newTestIndexer().IndexFile(context.Background(), "notes.txt", []byte("anything\n"))
	if err != nil {
		t.Fatalf("indexing: %v", err)
	}
	if !idx.Fallback {
		t.Error("unknown extension must fall back")
	}
	if len(idx.Scopes) != 0 || len(idx.Definitions) != 0 {
		t.Error("fallback index must carry no scopes or identifiers")
	}
}

func TestIndexFile_SyntaxErrorMarksParseFailed(t *testing.T) {
	idx, err := newTestIndexer().IndexFile(context.Background(), "broken.go", []byte("package demo\nfunc {{{\n"))
	if err != nil {
		t.Fatalf("indexing: %v", err)
	}
	if !idx.ParseFailed || !idx.Fallback {
		t.Errorf("broken file should enter fallback mode, got %+v", idx)
	}
}

func TestInnermostScope_PrefersNarrowest(t *testing.T) {
	src := []byte(`package demo

func Outer() {
	inner := func() {
		_ = 1
	}
	inner()
}
`)
	idx, err := newTestIndexer().IndexFile(context.Background(), "nested.go", src)
	if err != nil {
		t.Fatalf("indexing: %v", err)
	}

	// line 4 (_ = 1) sits inside both Outer and the func literal
	got := idx.InnermostScope(chunk.Range{Start: 4, End: 5})
	if got == nil {
		t.Fatal("no scope found")
	}
	if got.Kind != KindAnonymousScope {
		t.Errorf("innermost scope should be the func literal, got %+v", got)
	}
}

func TestIndexFiles_BoundedFanOut(t *testing.T) {
	files := map[string][]byte{
		"a.go":  []byte("package a\n\nfunc A() {}\n"),
		"b.go":  []byte("package b\n\nfunc B() {}\n"),
		"c.txt": []byte("plain\n"),
	}
	out, err := newTestIndexer().IndexFiles(context.Background(), files, 2)
	if err != nil {
		t.Fatalf("indexing files: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("indexed %d files, want 3", len(out))
	}
	if out["c.txt"] == nil || !out["c.txt"].Fallback {
		t.Error("c.txt should be a fallback index")
	}
	if out["a.go"] == nil || out["a.go"].Fallback {
		t.Error("a.go should parse cleanly")
	}
}
