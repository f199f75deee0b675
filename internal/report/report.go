// Package report renders run results for the terminal and replays past
// runs out of the ledger.
package report

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"codestory/internal/cas"
	"codestory/internal/graph"
	"codestory/internal/orchestrator"
)

// Render writes the structured run report: proposed commits with their
// files and scopes, rejections, and warnings.
func Render(w io.Writer, res *orchestrator.Result, verbose bool) error {
	fmt.Fprintf(w, "run %s (%s) on %s\n", res.RunID, res.Mode, res.Branch)

	if len(res.Commits) == 0 {
		fmt.Fprintln(w, "nothing to commit")
	}
	for i, c := range res.Commits {
		fmt.Fprintf(w, "\n%d. %s\n", i+1, strings.TrimSpace(c.Message))
		if len(c.Files) > 0 {
			fmt.Fprintf(w, "   files:  %s\n", strings.Join(c.Files, ", "))
		}
		if len(c.Scopes) > 0 {
			fmt.Fprintf(w, "   scopes: %s\n", strings.Join(c.Scopes, ", "))
		}
		if verbose && c.Rationale != "" {
			fmt.Fprintf(w, "   why:    %s\n", c.Rationale)
		}
		if c.Diff != "" {
			for _, line := range strings.Split(strings.TrimRight(c.Diff, "\n"), "\n") {
				fmt.Fprintf(w, "   %s\n", line)
			}
		}
	}

	if len(res.Rejected) > 0 {
		fmt.Fprintf(w, "\nrejected groups:\n")
		for _, r := range res.Rejected {
			fmt.Fprintf(w, "  - %s (%s): %s\n", strings.Join(r.Files, ", "), r.Reason, r.Detail)
		}
	}
	for _, warn := range res.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warn)
	}
	return nil
}

// ReplayCommit is one commit of a past run as recorded in the ledger.
type ReplayCommit struct {
	Hash     string
	Message  string
	Files    []string
	Position int
}

// ReplayRejection is one rejected group of a past run.
type ReplayRejection struct {
	Files  []string
	Reason string
	Detail string
}

// Summary is a past run reconstructed from the ledger.
type Summary struct {
	RunID    string
	Mode     string
	Branch   string
	OldTip   string
	NewTip   string
	Commits  []ReplayCommit
	Rejected []ReplayRejection
}

// Replay loads a past run's decisions from the ledger without redoing any
// pipeline work. An empty id selects the most recent run.
func Replay(db *graph.DB, runIDHex string) (*Summary, error) {
	var run *graph.Node
	var err error
	if runIDHex == "" {
		run, err = db.GetLatestRun()
	} else {
		run, err = db.GetRunByID(runIDHex)
	}
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("run not found")
	}

	s := &Summary{
		RunID:  cas.BytesToHex(run.ID),
		Mode:   payloadString(run.Payload, "mode"),
		Branch: payloadString(run.Payload, "branch"),
		OldTip: payloadString(run.Payload, "old_tip"),
		NewTip: payloadString(run.Payload, "new_tip"),
	}

	commits, err := db.GetEdgesByContext(run.ID, graph.EdgeRunHasCommit)
	if err != nil {
		return nil, err
	}
	for _, e := range commits {
		n, err := db.GetNode(e.Dst)
		if err != nil {
			return nil, err
		}
		if n == nil {
			continue
		}
		s.Commits = append(s.Commits, ReplayCommit{
			Hash:     payloadString(n.Payload, "hash"),
			Message:  payloadString(n.Payload, "message"),
			Files:    payloadStrings(n.Payload, "files"),
			Position: int(payloadFloat(n.Payload, "position")),
		})
	}
	sort.Slice(s.Commits, func(i, j int) bool { return s.Commits[i].Position < s.Commits[j].Position })

	rejections, err := db.GetEdgesByContext(run.ID, graph.EdgeGroupRejected)
	if err != nil {
		return nil, err
	}
	for _, e := range rejections {
		n, err := db.GetNode(e.Dst)
		if err != nil {
			return nil, err
		}
		if n == nil {
			continue
		}
		s.Rejected = append(s.Rejected, ReplayRejection{
			Files:  payloadStrings(n.Payload, "files"),
			Reason: payloadString(n.Payload, "reason"),
			Detail: payloadString(n.Payload, "detail"),
		})
	}
	return s, nil
}

// RenderSummary writes a replayed run in the same shape as a live report.
func RenderSummary(w io.Writer, s *Summary) {
	fmt.Fprintf(w, "run %s (%s) on %s\n", s.RunID, s.Mode, s.Branch)
	fmt.Fprintf(w, "tip: %s -> %s\n", short(s.OldTip), short(s.NewTip))
	for i, c := range s.Commits {
		fmt.Fprintf(w, "\n%d. %s [%s]\n", i+1, strings.TrimSpace(c.Message), short(c.Hash))
		if len(c.Files) > 0 {
			fmt.Fprintf(w, "   files: %s\n", strings.Join(c.Files, ", "))
		}
	}
	if len(s.Rejected) > 0 {
		fmt.Fprintf(w, "\nrejected groups:\n")
		for _, r := range s.Rejected {
			fmt.Fprintf(w, "  - %s (%s): %s\n", strings.Join(r.Files, ", "), r.Reason, r.Detail)
		}
	}
}

func short(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}

func payloadString(p map[string]interface{}, key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

func payloadFloat(p map[string]interface{}, key string) float64 {
	if v, ok := p[key].(float64); ok {
		return v
	}
	return 0
}

func payloadStrings(p map[string]interface{}, key string) []string {
	raw, ok := p[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
