package diff

import "bytes"

func lcsMatrix(oldLines, newLines [][]byte) [][]int {
	matrix := make([][]int, len(oldLines)+1)
	for i := range matrix {
		matrix[i] = make([]int, len(newLines)+1)
	}
	for i := len(oldLines) - 1; i >= 0; i-- {
		for j := len(newLines) - 1; j >= 0; j-- {
			if bytes.Equal(oldLines[i], newLines[j]) {
				matrix[i][j] = matrix[i+1][j+1] + 1
			} else {
				matrix[i][j] = max(matrix[i+1][j], matrix[i][j+1])
			}
		}
	}
	return matrix
}

// editScript walks the suffix LCS table forwards, emitting deletions before
// additions at each change.
func editScript(oldLines, newLines [][]byte) []Line {
	lcs := lcsMatrix(oldLines, newLines)
	var out []Line
	i, j := 0, 0
	for i < len(oldLines) || j < len(newLines) {
		switch {
		case i < len(oldLines) && j < len(newLines) && bytes.Equal(oldLines[i], newLines[j]):
			out = append(out, Line{Type: Context, Content: string(oldLines[i]), OldNum: i + 1, NewNum: j + 1})
			i++
			j++
		case i < len(oldLines) && (j == len(newLines) || lcs[i+1][j] >= lcs[i][j+1]):
			out = append(out, Line{Type: Deletion, Content: string(oldLines[i]), OldNum: i + 1})
			i++
		default:
			out = append(out, Line{Type: Addition, Content: string(newLines[j]), NewNum: j + 1})
			j++
		}
	}
	return out
}

// group cuts the script into hunks, keeping contextLines of unchanged lines
// around each change and merging hunks whose context would overlap.
func (e *Engine) group(script []Line) []Hunk {
	var hunks []Hunk
	n := len(script)
	for i := 0; i < n; {
		if script[i].Type == Context {
			i++
			continue
		}
		start := max(0, i-e.contextLines)
		end := i
		for end < n {
			if script[end].Type != Context {
				end++
				continue
			}
			// Look ahead over the unchanged run.
			run := end
			for run < n && script[run].Type == Context {
				run++
			}
			if run == n || run-end > 2*e.contextLines {
				end = min(n, end+e.contextLines)
				break
			}
			end = run
		}
		hunks = append(hunks, newHunk(script[start:end], script, start))
		i = end
	}
	return hunks
}

func newHunk(lines []Line, script []Line, start int) Hunk {
	h := Hunk{Lines: append([]Line(nil), lines...)}
	for _, l := range lines {
		if l.Type != Addition {
			h.OldLines++
		}
		if l.Type != Deletion {
			h.NewLines++
		}
	}
	// Position of the first line on each side, counting everything before.
	oldBefore, newBefore := 0, 0
	for _, l := range script[:start] {
		if l.Type != Addition {
			oldBefore++
		}
		if l.Type != Deletion {
			newBefore++
		}
	}
	h.OldStart, h.NewStart = oldBefore+1, newBefore+1
	if h.OldLines == 0 {
		h.OldStart = oldBefore
	}
	if h.NewLines == 0 {
		h.NewStart = newBefore
	}
	return h
}
