package chunk

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

type opKind int

const (
	opKeep opKind = iota
	opDelete
	opInsert
)

type editOp struct {
	kind  opKind
	lines []string
}

// editScript computes the line-level operations turning oldLines into
// newLines. Lines carry their own trailing newline, so the joined texts
// round-trip exactly through the character-mode trick.
func editScript(oldLines, newLines []string) []editOp {
	dmp := diffmatchpatch.New()

	before := strings.Join(oldLines, "")
	after := strings.Join(newLines, "")

	chars1, chars2, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(chars1, chars2, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	var script []editOp
	for _, d := range diffs {
		if d.Text == "" {
			continue
		}
		op := editOp{lines: splitKeepNewlines(d.Text)}
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			op.kind = opKeep
		case diffmatchpatch.DiffDelete:
			op.kind = opDelete
		case diffmatchpatch.DiffInsert:
			op.kind = opInsert
		}
		script = append(script, op)
	}
	return script
}

// splitKeepNewlines splits text into lines that retain their trailing
// newline, matching the convention SplitLines establishes.
func splitKeepNewlines(text string) []string {
	if text == "" {
		return nil
	}
	var lines []string
	for {
		i := strings.IndexByte(text, '\n')
		if i < 0 {
			lines = append(lines, text)
			return lines
		}
		lines = append(lines, text[:i+1])
		text = text[i+1:]
		if text == "" {
			return lines
		}
	}
}
