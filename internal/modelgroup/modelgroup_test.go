package modelgroup

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"codestory/internal/chunk"
	"codestory/internal/semgroup"
)

func semGroup(id string, files []string, defs, refs []string) semgroup.Group {
	return semgroup.Group{
		ID:          id,
		Files:       files,
		Identifiers: defs,
		Referenced:  refs,
		Chunks: []chunk.Chunk{{
			ID:       id + "-c1",
			FilePath: files[0],
			OldPath:  files[0],
			OldRange: chunk.Range{Start: 0, End: 1},
			NewRange: chunk.Range{Start: 0, End: 1},
			OldLines: []string{"old\n"},
			NewLines: []string{"new\n"},
		}},
	}
}

// scriptedAnalyzer replays canned responses and records every request.
type scriptedAnalyzer struct {
	mu       sync.Mutex
	requests []*Request
	respond  func(req *Request) (*Response, error)
}

func (s *scriptedAnalyzer) Name() string { return "scripted" }

func (s *scriptedAnalyzer) Analyze(_ context.Context, req *Request) (*Response, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	return s.respond(req)
}

func (s *scriptedAnalyzer) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func memberIDs(lg LogicalGroup) []string {
	var ids []string
	for _, m := range lg.Members {
		ids = append(ids, m.ID)
	}
	return ids
}

func TestParseBatchingStrategy(t *testing.T) {
	tests := []struct {
		in      string
		want    BatchingStrategy
		wantErr bool
	}{
		{"auto", BatchingAuto, false},
		{"requests", BatchingRequests, false},
		{"prompt", BatchingPrompt, false},
		{"", BatchingAuto, false},
		{"bulk", "", true},
	}
	for _, tt := range tests {
		got, err := ParseBatchingStrategy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseBatchingStrategy(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseBatchingStrategy(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBuild_HeuristicOneGroupEach(t *testing.T) {
	sems := []semgroup.Group{
		semGroup("g1", []string{"a.go"}, nil, nil),
		semGroup("g2", []string{"b.go"}, nil, nil),
	}
	groups, err := Build(context.Background(), sems, Options{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("got %d logical groups, want 2", len(groups))
	}
	if groups[0].Message != "files touched: a.go" {
		t.Errorf("message = %q", groups[0].Message)
	}
}

func TestBuild_ModelMergeRespected(t *testing.T) {
	sems := []semgroup.Group{
		semGroup("g1", []string{"a.go"}, nil, nil),
		semGroup("g2", []string{"b.go"}, nil, nil),
		semGroup("g3", []string{"c.go"}, nil, nil),
	}
	analyzer := &scriptedAnalyzer{respond: func(req *Request) (*Response, error) {
		return &Response{LogicalGroups: []ProposedGroup{
			{MemberIDs: []string{"g1", "g3"}, Message: "refactor shared helpers"},
			{MemberIDs: []string{"g2"}, Message: "fix b"},
		}}, nil
	}}

	groups, err := Build(context.Background(), sems, Options{Analyzer: analyzer})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("got %d logical groups, want 2", len(groups))
	}
	if got := memberIDs(groups[0]); len(got) != 2 || got[0] != "g1" || got[1] != "g3" {
		t.Errorf("first group members = %v", got)
	}
	if analyzer.calls() != 1 {
		t.Errorf("analyzer called %d times, want 1", analyzer.calls())
	}
}

func TestBuild_PartitionRepaired(t *testing.T) {
	sems := []semgroup.Group{
		semGroup("g1", []string{"a.go"}, nil, nil),
		semGroup("g2", []string{"b.go"}, nil, nil),
	}
	// unknown id, duplicate placement, and a dropped member
	analyzer := &scriptedAnalyzer{respond: func(req *Request) (*Response, error) {
		return &Response{LogicalGroups: []ProposedGroup{
			{MemberIDs: []string{"g1", "ghost"}, Message: "first"},
			{MemberIDs: []string{"g1"}, Message: "duplicate"},
		}}, nil
	}}

	groups, err := Build(context.Background(), sems, Options{Analyzer: analyzer})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	seen := map[string]int{}
	for _, lg := range groups {
		for _, id := range memberIDs(lg) {
			seen[id]++
		}
	}
	if seen["g1"] != 1 || seen["g2"] != 1 || len(seen) != 2 {
		t.Errorf("partition broken: %v", seen)
	}
	var dropped *LogicalGroup
	for i := range groups {
		if ids := memberIDs(groups[i]); len(ids) == 1 && ids[0] == "g2" {
			dropped = &groups[i]
		}
	}
	if dropped == nil || !strings.HasPrefix(dropped.Message, "files touched:") {
		t.Errorf("dropped member must get a heuristic group, got %+v", groups)
	}
}

func TestBuild_RetriesThenFallback(t *testing.T) {
	sems := []semgroup.Group{semGroup("g1", []string{"a.go"}, nil, nil)}
	analyzer := &scriptedAnalyzer{respond: func(req *Request) (*Response, error) {
		return nil, errors.New("transport down")
	}}

	groups, err := Build(context.Background(), sems, Options{Analyzer: analyzer, NumRetries: 2})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if analyzer.calls() != 3 {
		t.Errorf("analyzer called %d times, want 3", analyzer.calls())
	}
	if len(groups) != 1 || groups[0].Message != "files touched: a.go" {
		t.Errorf("fallback groups = %+v", groups)
	}
}

func TestBuild_RequestsBatchingMergesByMessage(t *testing.T) {
	sems := []semgroup.Group{
		semGroup("g1", []string{"a.go"}, nil, nil),
		semGroup("g2", []string{"b.go"}, nil, nil),
	}
	analyzer := &scriptedAnalyzer{respond: func(req *Request) (*Response, error) {
		return &Response{LogicalGroups: []ProposedGroup{
			{MemberIDs: []string{req.Groups[0].ID}, Message: "one shared change"},
		}}, nil
	}}

	groups, err := Build(context.Background(), sems, Options{Analyzer: analyzer, Batching: BatchingRequests})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if analyzer.calls() != 2 {
		t.Errorf("analyzer called %d times, want one per group", analyzer.calls())
	}
	if len(groups) != 1 {
		t.Fatalf("same-message requests must union, got %d groups", len(groups))
	}
	if got := memberIDs(groups[0]); len(got) != 2 {
		t.Errorf("merged members = %v", got)
	}
}

func TestBuild_PromptBatchingSplitsOnBudget(t *testing.T) {
	big := strings.Repeat("x", 400)
	sems := []semgroup.Group{
		semGroup("g1", []string{"a.go"}, nil, nil),
		semGroup("g2", []string{"b.go"}, nil, nil),
		semGroup("g3", []string{"c.go"}, nil, nil),
	}
	for i := range sems {
		sems[i].Chunks[0].NewLines = []string{big + "\n"}
	}
	analyzer := &scriptedAnalyzer{respond: func(req *Request) (*Response, error) {
		var out []ProposedGroup
		for _, g := range req.Groups {
			out = append(out, ProposedGroup{MemberIDs: []string{g.ID}, Message: "batch of " + g.Files[0]})
		}
		return &Response{LogicalGroups: out}, nil
	}}

	groups, err := Build(context.Background(), sems, Options{
		Analyzer:  analyzer,
		Batching:  BatchingPrompt,
		MaxTokens: 150,
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if analyzer.calls() < 2 {
		t.Errorf("oversized input must split into multiple requests, got %d", analyzer.calls())
	}
	if len(groups) != 3 {
		t.Errorf("got %d logical groups, want 3", len(groups))
	}
}

func TestBuild_DependencyOrdering(t *testing.T) {
	sems := []semgroup.Group{
		semGroup("def", []string{"lib.go"}, []string{"Helper"}, nil),
		semGroup("use", []string{"app.go"}, nil, []string{"Helper"}),
	}
	// model proposes the referencing commit first
	analyzer := &scriptedAnalyzer{respond: func(req *Request) (*Response, error) {
		return &Response{LogicalGroups: []ProposedGroup{
			{MemberIDs: []string{"use"}, Message: "use helper"},
			{MemberIDs: []string{"def"}, Message: "add helper"},
		}}, nil
	}}

	groups, err := Build(context.Background(), sems, Options{Analyzer: analyzer})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("got %d groups", len(groups))
	}
	if groups[0].Message != "add helper" || groups[1].Message != "use helper" {
		t.Errorf("defining group must come first: %q then %q", groups[0].Message, groups[1].Message)
	}
}

func TestOrderByDependency_CycleBreaksAlphabetically(t *testing.T) {
	a := LogicalGroup{
		Members: []semgroup.Group{semGroup("ga", []string{"a.go"}, []string{"a"}, []string{"b"})},
		Message: "zeta change",
	}
	b := LogicalGroup{
		Members: []semgroup.Group{semGroup("gb", []string{"b.go"}, []string{"b"}, []string{"a"})},
		Message: "alpha change",
	}

	out := orderByDependency([]LogicalGroup{a, b})
	if out[0].Message != "alpha change" {
		t.Errorf("cycle must break alphabetically, got %q first", out[0].Message)
	}
}

func TestLogicalGroup_ChunksOfCanonicalOrder(t *testing.T) {
	g2 := semGroup("g2", []string{"b.go"}, nil, nil)
	g1 := semGroup("g1", []string{"a.go"}, nil, nil)
	lg := LogicalGroup{Members: []semgroup.Group{g2, g1}}

	chunks := lg.ChunksOf()
	if len(chunks) != 2 || chunks[0].FilePath != "a.go" {
		t.Errorf("chunks not canonical: %+v", chunks)
	}
}

type mapFragmentStore struct {
	mu    sync.Mutex
	store map[string][]byte
}

func (m *mapFragmentStore) PutFragment(key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.store == nil {
		m.store = map[string][]byte{}
	}
	m.store[key] = append([]byte(nil), data...)
	return nil
}

func (m *mapFragmentStore) GetFragment(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.store[key]
	if !ok {
		return nil, errors.New("no such fragment")
	}
	return data, nil
}

func TestBuild_LargeFragmentSpillsAndReloads(t *testing.T) {
	big := semGroup("big", []string{"wide.go"}, nil, nil)
	line := strings.Repeat("x", 200) + "\n"
	for i := 0; i < 200; i++ {
		big.Chunks[0].NewLines = append(big.Chunks[0].NewLines, line)
	}
	small := semGroup("small", []string{"a.go"}, nil, nil)

	store := &mapFragmentStore{}
	analyzer := &scriptedAnalyzer{respond: func(req *Request) (*Response, error) {
		for _, in := range req.Groups {
			if in.DiffFragments == "" {
				t.Errorf("group %s reached the analyzer without its fragment", in.ID)
			}
		}
		return &Response{LogicalGroups: []ProposedGroup{
			{MemberIDs: []string{"big", "small"}, Message: "widen"},
		}}, nil
	}}

	groups, err := Build(context.Background(), []semgroup.Group{big, small},
		Options{Analyzer: analyzer, Fragments: store})
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 || len(groups[0].Members) != 2 {
		t.Fatalf("groups = %+v", groups)
	}

	if _, err := store.GetFragment("big"); err != nil {
		t.Error("large fragment never spilled to the store")
	}
	if _, err := store.GetFragment("small"); err == nil {
		t.Error("small fragment spilled despite being under the threshold")
	}
}
