package report

import (
	"path/filepath"
	"strings"
	"testing"

	"codestory/internal/filter"
	"codestory/internal/graph"
	"codestory/internal/orchestrator"
)

func TestRender(t *testing.T) {
	res := &orchestrator.Result{
		RunID:  "abc123",
		Mode:   orchestrator.ModeCommit,
		Branch: "refs/heads/main",
		Commits: []orchestrator.CommitPreview{
			{Message: "add parser", Files: []string{"parser.go"}, Scopes: []string{"Parse"}},
			{Message: "add tests", Files: []string{"parser_test.go"}},
		},
		Rejected: []filter.Rejection{
			{Files: []string{"conf.txt"}, Reason: filter.ReasonSecretDetected, Detail: "hardcoded secret"},
		},
		Warnings: []string{"b.xyz could not be parsed"},
	}

	var b strings.Builder
	if err := Render(&b, res, false); err != nil {
		t.Fatalf("render: %v", err)
	}
	out := b.String()
	for _, want := range []string{
		"run abc123 (commit) on refs/heads/main",
		"1. add parser",
		"scopes: Parse",
		"2. add tests",
		"conf.txt (secret_detected): hardcoded secret",
		"warning: b.xyz could not be parsed",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
}

func TestReplay(t *testing.T) {
	dir := t.TempDir()
	db, err := graph.Open(filepath.Join(dir, "ledger.db"), dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if err := db.ApplySchema(); err != nil {
		t.Fatalf("schema: %v", err)
	}

	runID := []byte{0xde, 0xad, 0xbe, 0xef}
	tx, err := db.BeginTx()
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
	err = db.InsertRunNode(tx, runID, map[string]interface{}{
		"mode":    "fix",
		"branch":  "refs/heads/main",
		"old_tip": "1111111111111111111111111111111111111111",
		"new_tip": "2222222222222222222222222222222222222222",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	second, err := db.InsertNode(tx, graph.KindCommit, map[string]interface{}{
		"hash": "bbbb", "message": "second", "files": []string{"b.go"}, "position": 1,
	})
	if err != nil {
		t.Fatalf("node: %v", err)
	}
	first, err := db.InsertNode(tx, graph.KindCommit, map[string]interface{}{
		"hash": "aaaa", "message": "first", "files": []string{"a.go"}, "position": 0,
	})
	if err != nil {
		t.Fatalf("node: %v", err)
	}
	for _, id := range [][]byte{second, first} {
		if err := db.InsertEdge(tx, runID, graph.EdgeRunHasCommit, id, runID); err != nil {
			t.Fatalf("edge: %v", err)
		}
	}

	rej, err := db.InsertNode(tx, graph.KindRejectedGroup, map[string]interface{}{
		"group_id": "g1", "files": []string{"conf.txt"}, "reason": "secret_detected", "detail": "key",
	})
	if err != nil {
		t.Fatalf("node: %v", err)
	}
	sem, err := db.InsertNode(tx, graph.KindSemanticGroup, map[string]interface{}{"group_id": "g1"})
	if err != nil {
		t.Fatalf("node: %v", err)
	}
	if err := db.InsertEdge(tx, sem, graph.EdgeGroupRejected, rej, runID); err != nil {
		t.Fatalf("edge: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	s, err := Replay(db, "deadbeef")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if s.Mode != "fix" || s.Branch != "refs/heads/main" {
		t.Errorf("summary = %+v", s)
	}
	if len(s.Commits) != 2 || s.Commits[0].Message != "first" || s.Commits[1].Message != "second" {
		t.Errorf("commits out of order: %+v", s.Commits)
	}
	if len(s.Rejected) != 1 || s.Rejected[0].Reason != "secret_detected" {
		t.Errorf("rejected = %+v", s.Rejected)
	}

	latest, err := Replay(db, "")
	if err != nil {
		t.Fatalf("replay latest: %v", err)
	}
	if latest.RunID != "deadbeef" {
		t.Errorf("latest = %q", latest.RunID)
	}

	if _, err := Replay(db, "0badc0de"); err == nil {
		t.Error("unknown run must error")
	}

	var b strings.Builder
	RenderSummary(&b, s)
	if !strings.Contains(b.String(), "1. first") || !strings.Contains(b.String(), "conf.txt") {
		t.Errorf("summary render:\n%s", b.String())
	}
}
