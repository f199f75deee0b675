// Package filter runs the commit-mode rejection chain over semantic
// groups: secret scanner, relevance filter, syntax validator, in that
// order. A rejection always drops the whole group.
package filter

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"codestory/internal/chunk"
	"codestory/internal/embedding"
	"codestory/internal/scope"
	"codestory/internal/secretscan"
	"codestory/internal/semgroup"
)

// Reason classifies why a group was rejected.
type Reason string

const (
	ReasonSecretDetected Reason = "secret_detected"
	ReasonBelowRelevance Reason = "below_relevance_threshold"
	ReasonSyntaxError    Reason = "syntax_error"
)

// Rejection records one dropped group.
type Rejection struct {
	GroupID string
	Files   []string
	Reason  Reason
	Detail  string
}

// Report aggregates the chain's outcome for the user-facing summary.
type Report struct {
	AcceptedCount int
	Rejected      []Rejection
	Warnings      []string
}

// Options wires the chain's stages. Nil Scanner skips secret scanning;
// relevance runs only when enabled with an intent and an engine.
type Options struct {
	Scanner *secretscan.Scanner

	Engine              embedding.Engine
	RelevanceEnabled    bool
	Intent              string
	SimilarityThreshold float64

	ValidateSyntax     bool
	FailOnSyntaxErrors bool
	Indexer            *scope.Indexer
}

// Chain applies the configured filters in fixed order.
type Chain struct {
	opts Options
}

// New builds a chain from options.
func New(opts Options) *Chain {
	return &Chain{opts: opts}
}

// Run filters groups. baseFiles carries base-tree content as lines keyed
// by target path; it feeds the tentative apply in the syntax validator.
// Returned groups keep their input order.
func (f *Chain) Run(ctx context.Context, groups []semgroup.Group, baseFiles map[string][]string) ([]semgroup.Group, *Report, error) {
	report := &Report{}

	survivors := f.scanSecrets(groups, report)

	survivors, err := f.scoreRelevance(ctx, survivors, report)
	if err != nil {
		return nil, nil, err
	}

	survivors, err = f.validateSyntax(ctx, survivors, baseFiles, report)
	if err != nil {
		return nil, nil, err
	}

	report.AcceptedCount = len(survivors)
	return survivors, report, nil
}

func (f *Chain) scanSecrets(groups []semgroup.Group, report *Report) []semgroup.Group {
	if f.opts.Scanner == nil {
		return groups
	}

	var survivors []semgroup.Group
	for _, g := range groups {
		finding, path := firstSecret(f.opts.Scanner, g)
		if finding == nil {
			survivors = append(survivors, g)
			continue
		}
		report.Rejected = append(report.Rejected, Rejection{
			GroupID: g.ID,
			Files:   g.Files,
			Reason:  ReasonSecretDetected,
			Detail:  fmt.Sprintf("%s in %s: %s", finding.RuleID, path, finding.Message),
		})
	}
	return survivors
}

func firstSecret(sc *secretscan.Scanner, g semgroup.Group) (*secretscan.Finding, string) {
	for _, c := range g.Chunks {
		findings := sc.Scan(c.NewLines)
		if len(findings) > 0 {
			return &findings[0], c.FilePath
		}
	}
	return nil, ""
}

func (f *Chain) scoreRelevance(ctx context.Context, groups []semgroup.Group, report *Report) ([]semgroup.Group, error) {
	if !f.opts.RelevanceEnabled || f.opts.Intent == "" || f.opts.Engine == nil || len(groups) == 0 {
		return groups, nil
	}

	intentVec, err := f.opts.Engine.Embed(ctx, f.opts.Intent)
	if err != nil {
		return nil, fmt.Errorf("embedding intent: %w", err)
	}

	texts := make([]string, len(groups))
	for i, g := range groups {
		texts[i] = renderGroup(g)
	}
	vecs, err := f.opts.Engine.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding groups: %w", err)
	}
	if len(vecs) != len(groups) {
		return nil, fmt.Errorf("embedding groups: got %d vectors for %d groups", len(vecs), len(groups))
	}

	var survivors []semgroup.Group
	for i, g := range groups {
		score, err := embedding.Cosine(intentVec, vecs[i])
		if err != nil {
			return nil, fmt.Errorf("scoring group %s: %w", g.ID, err)
		}
		if score < 0 {
			score = 0
		}
		if score < f.opts.SimilarityThreshold {
			report.Rejected = append(report.Rejected, Rejection{
				GroupID: g.ID,
				Files:   g.Files,
				Reason:  ReasonBelowRelevance,
				Detail:  fmt.Sprintf("similarity %.3f below threshold %.3f", score, f.opts.SimilarityThreshold),
			})
			continue
		}
		survivors = append(survivors, g)
	}
	return survivors, nil
}

// renderGroup produces the text scored against the intent: files,
// identifiers, then the new-side content of each chunk.
func renderGroup(g semgroup.Group) string {
	var b strings.Builder
	b.WriteString("files: ")
	b.WriteString(strings.Join(g.Files, ", "))
	b.WriteString("\n")
	if len(g.Identifiers) > 0 {
		b.WriteString("identifiers: ")
		b.WriteString(strings.Join(g.Identifiers, ", "))
		b.WriteString("\n")
	}
	for _, c := range g.Chunks {
		for _, l := range c.NewLines {
			b.WriteString(l)
		}
	}
	return b.String()
}

func (f *Chain) validateSyntax(ctx context.Context, groups []semgroup.Group, baseFiles map[string][]string, report *Report) ([]semgroup.Group, error) {
	if !f.opts.ValidateSyntax || f.opts.Indexer == nil {
		return groups, nil
	}

	var survivors []semgroup.Group
	for _, g := range groups {
		badFile, err := f.brokenFile(ctx, g, baseFiles)
		if err != nil {
			return nil, err
		}
		if badFile == "" {
			survivors = append(survivors, g)
			continue
		}
		if f.opts.FailOnSyntaxErrors {
			report.Rejected = append(report.Rejected, Rejection{
				GroupID: g.ID,
				Files:   g.Files,
				Reason:  ReasonSyntaxError,
				Detail:  fmt.Sprintf("%s does not parse after applying the group", badFile),
			})
			continue
		}
		report.Warnings = append(report.Warnings, fmt.Sprintf("group %s: %s does not parse after applying the group", g.ID, badFile))
		survivors = append(survivors, g)
	}
	return survivors, nil
}

// brokenFile tentatively applies the group's chunks per file and reparses.
// It returns the first file that stops parsing, or "".
func (f *Chain) brokenFile(ctx context.Context, g semgroup.Group, baseFiles map[string][]string) (string, error) {
	byFile := map[string][]chunk.Chunk{}
	for _, c := range g.Chunks {
		if c.Binary {
			continue
		}
		byFile[c.FilePath] = append(byFile[c.FilePath], c)
	}

	paths := make([]string, 0, len(byFile))
	for p := range byFile {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		lines, err := chunk.Compose(baseFiles[p], byFile[p])
		if err != nil {
			return "", fmt.Errorf("applying group %s to %s: %w", g.ID, p, err)
		}
		idx, err := f.opts.Indexer.IndexFile(ctx, p, []byte(chunk.JoinLines(lines)))
		if err != nil {
			return "", fmt.Errorf("reparsing %s: %w", p, err)
		}
		if idx.ParseFailed {
			return p, nil
		}
	}
	return "", nil
}
