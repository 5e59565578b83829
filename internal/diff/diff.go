// Package diff renders line diffs between blob versions, for showing what a
// working copy changed before it is pushed.
package diff

import (
	"bytes"
	"context"
	"fmt"
	"unicode/utf8"

	"quire/internal/source"
	"quire/internal/tree"
)

// Line is one line of a hunk. OldNum and NewNum are 1-based and zero when
// the line does not exist on that side.
type Line struct {
	Type    LineType
	Content string
	OldNum  int
	NewNum  int
}

type LineType int

const (
	Context LineType = iota
	Addition
	Deletion
)

type Result struct {
	Hunks []Hunk
	Stats struct {
		Additions int
		Deletions int
		Changes   int
	}
}

// Hunk is a run of changes with surrounding context. Starts are 1-based
// as in unified diff headers.
type Hunk struct {
	OldStart int
	OldLines int
	NewStart int
	NewLines int
	Lines    []Line
}

type Engine struct {
	contextLines int
}

func NewEngine(contextLines int) *Engine {
	return &Engine{contextLines: contextLines}
}

func splitLines(content []byte) [][]byte {
	if len(content) == 0 {
		return nil
	}
	return bytes.Split(bytes.TrimSuffix(content, []byte{'\n'}), []byte{'\n'})
}

// Diff compares two versions line by line.
func (e *Engine) Diff(oldContent, newContent []byte) *Result {
	oldLines, newLines := splitLines(oldContent), splitLines(newContent)
	script := editScript(oldLines, newLines)

	result := &Result{Hunks: e.group(script)}
	for _, l := range script {
		switch l.Type {
		case Addition:
			result.Stats.Additions++
		case Deletion:
			result.Stats.Deletions++
		}
	}
	result.Stats.Changes = result.Stats.Additions + result.Stats.Deletions
	return result
}

func (r *Result) Empty() bool {
	return r.Stats.Changes == 0
}

// Format renders the result in unified diff style.
func (r *Result) Format() string {
	var buf bytes.Buffer
	for _, hunk := range r.Hunks {
		fmt.Fprintf(&buf, "@@ -%d,%d +%d,%d @@\n",
			hunk.OldStart, hunk.OldLines,
			hunk.NewStart, hunk.NewLines)
		for _, line := range hunk.Lines {
			buf.WriteString(line.Prefix())
			buf.WriteString(line.Content)
			buf.WriteString("\n")
		}
	}
	return buf.String()
}

func (l Line) Prefix() string {
	switch l.Type {
	case Addition:
		return "+"
	case Deletion:
		return "-"
	}
	return " "
}

// File is the diff of one changed path.
type File struct {
	Path   string
	Op     tree.Op
	Binary bool
	Result *Result
}

// Changes diffs every path of cs, reading old content from before and new
// content from after.
func (e *Engine) Changes(ctx context.Context, cs tree.Changeset, oldTree *tree.Tree, before, after source.Source) ([]File, error) {
	var want, have []string
	for _, c := range cs {
		if c.Op != tree.OpDelete {
			want = append(want, c.Hash)
		}
		if h, ok := oldTree.Get(c.Path); ok && c.Op != tree.OpAdd {
			have = append(have, h)
		}
	}
	newBlobs, err := source.ReadBlobs(ctx, after, want)
	if err != nil {
		return nil, err
	}
	oldBlobs, err := source.ReadBlobs(ctx, before, have)
	if err != nil {
		return nil, err
	}

	files := make([]File, 0, len(cs))
	for _, c := range cs {
		var oldData, newData []byte
		if h, ok := oldTree.Get(c.Path); ok && c.Op != tree.OpAdd {
			oldData = oldBlobs[h]
		}
		if c.Op != tree.OpDelete {
			newData = newBlobs[c.Hash]
		}
		f := File{Path: c.Path, Op: c.Op}
		if !utf8.Valid(oldData) || !utf8.Valid(newData) {
			f.Binary = true
		} else {
			f.Result = e.Diff(oldData, newData)
		}
		files = append(files, f)
	}
	return files, nil
}
