package modelgroup

import (
	"context"
	"strings"
)

// HeuristicAnalyzer places every semantic group in its own logical group
// with a file-list message. It is the offline backend and the terminal
// fallback after retries.
type HeuristicAnalyzer struct{}

// NewHeuristicAnalyzer returns the offline analyzer.
func NewHeuristicAnalyzer() *HeuristicAnalyzer {
	return &HeuristicAnalyzer{}
}

func (h *HeuristicAnalyzer) Name() string {
	return "heuristic"
}

func (h *HeuristicAnalyzer) Analyze(_ context.Context, req *Request) (*Response, error) {
	resp := &Response{}
	for _, g := range req.Groups {
		resp.LogicalGroups = append(resp.LogicalGroups, ProposedGroup{
			MemberIDs: []string{g.ID},
			Message:   "files touched: " + strings.Join(g.Files, ", "),
		})
	}
	return resp, nil
}
