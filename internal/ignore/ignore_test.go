package ignore

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMatch_PatternShapes(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		isDir   bool
		want    bool
	}{
		{"*.log", "debug.log", false, true},
		{"*.log", "logs/debug.log", false, true},
		{"*.log", "debug.txt", false, false},

		{"node_modules/", "node_modules", true, true},
		{"node_modules/", "node_modules/foo.js", false, true},
		{"node_modules/", "src/node_modules", true, true},

		{"/build", "build", true, true},
		{"/build", "src/build", true, false},

		{"**/test", "test", true, true},
		{"**/test", "src/deep/test", true, true},

		{"src/*.js", "src/app.js", false, true},
		{"src/*.js", "src/sub/app.js", false, false},
		{"src/**/*.js", "src/sub/app.js", false, true},
	}

	for _, tt := range tests {
		m := NewMatcher("")
		m.AddPattern(tt.pattern)
		if got := m.Match(tt.path, tt.isDir); got != tt.want {
			t.Errorf("pattern %q, path %q (isDir=%v): got %v, want %v",
				tt.pattern, tt.path, tt.isDir, got, tt.want)
		}
	}
}

func TestMatch_LastRuleWins(t *testing.T) {
	m := Compile([]string{"*.log", "!important.log"})

	for path, want := range map[string]bool{
		"debug.log":     true,
		"important.log": false,
		"other.log":     true,
	} {
		if got := m.Match(path, false); got != want {
			t.Errorf("path %q: got %v, want %v", path, got, want)
		}
	}
}

func TestAddPattern_SkipsCommentsAndBlanks(t *testing.T) {
	m := NewMatcher("")
	m.AddPatterns([]string{"# a comment", "", "   ", "*.log"})
	if len(m.rules) != 1 {
		t.Errorf("expected 1 rule, got %d", len(m.rules))
	}
	if !m.Match("test.log", false) {
		t.Error("expected test.log to match")
	}
}

func TestMatch_DirOnly(t *testing.T) {
	m := Compile([]string{"build/"})

	if !m.Match("build", true) {
		t.Error("expected build (dir) to match")
	}
	if m.Match("build", false) {
		t.Error("a plain file named build must not match")
	}
	if !m.Match("build/output.js", false) {
		t.Error("expected build/output.js to match")
	}
}

func TestLoadDefaults_OnlyUntrackableJunk(t *testing.T) {
	m := NewMatcher("")
	m.LoadDefaults()

	tests := []struct {
		path  string
		isDir bool
		want  bool
	}{
		{".git", true, true},
		{".codestory", true, true},
		{"node_modules", true, true},
		{"node_modules/lodash/index.js", false, true},
		{".DS_Store", false, true},
		{".idea", true, true},

		// routinely committed files must stay in scope
		{"go.sum", false, false},
		{"package-lock.json", false, false},
		{"dist", true, false},
		{"src/app.ts", false, false},
	}

	for _, tt := range tests {
		if got := m.Match(tt.path, tt.isDir); got != tt.want {
			t.Errorf("path %q (isDir=%v): got %v, want %v", tt.path, tt.isDir, got, tt.want)
		}
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	content := `# build artifacts
dist/
*.min.js

!important.min.js
`
	path := filepath.Join(dir, ".gitignore")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	m := NewMatcher(dir)
	if err := m.LoadFile(path); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		path  string
		isDir bool
		want  bool
	}{
		{"dist", true, true},
		{"dist/bundle.js", false, true},
		{"app.min.js", false, true},
		{"important.min.js", false, false},
		{"src/app.ts", false, false},
	}
	for _, tt := range tests {
		if got := m.Match(tt.path, tt.isDir); got != tt.want {
			t.Errorf("path %q (isDir=%v): got %v, want %v", tt.path, tt.isDir, got, tt.want)
		}
	}
}

func TestLoadFromDir_LayersSources(t *testing.T) {
	dir := t.TempDir()
	gitignore := "*.log\ndist/\n"
	if err := os.WriteFile(filepath.Join(dir, ".gitignore"), []byte(gitignore), 0o644); err != nil {
		t.Fatal(err)
	}
	csignore := "!error.log\nscratch/\n"
	if err := os.WriteFile(filepath.Join(dir, ".codestoryignore"), []byte(csignore), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := LoadFromDir(dir)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		path  string
		isDir bool
		want  bool
	}{
		// defaults
		{".git", true, true},
		{"node_modules", true, true},

		// .gitignore
		{"debug.log", false, true},
		{"dist", true, true},

		// .codestoryignore overrides and additions
		{"error.log", false, false},
		{"scratch", true, true},
	}
	for _, tt := range tests {
		if got := m.Match(tt.path, tt.isDir); got != tt.want {
			t.Errorf("path %q (isDir=%v): got %v, want %v", tt.path, tt.isDir, got, tt.want)
		}
	}
}

func TestLoadFile_MissingIsFine(t *testing.T) {
	m := NewMatcher("")
	if err := m.LoadFile("/nonexistent/path/.gitignore"); err != nil {
		t.Errorf("missing file must load as empty, got %v", err)
	}
}
