// internal/diff/diff.go
package diff

import (
	"bytes"
	"fmt"
)

// Op classifies one line of a comparison.
type Op int

const (
	Same Op = iota
	Added
	Removed
)

// Line is a single line of output, tagged with where it came from.
type Line struct {
	Op      Op
	Content string
	MineNum int // 1-based line number in the local copy, 0 if added
	TheirNum int // 1-based line number in the remote copy, 0 if removed
}

// Hunk is a run of changed lines plus surrounding context.
type Hunk struct {
	MineStart  int
	MineLines  int
	TheirStart int
	TheirLines int
	Lines      []Line
}

// Result is the full comparison of a local copy against the remote
// side of a conflict.
type Result struct {
	Hunks   []Hunk
	Added   int
	Removed int
}

func (r *Result) Identical() bool { return len(r.Hunks) == 0 }

// Engine compares two file bodies line by line.
type Engine struct {
	contextLines int
}

func NewEngine(contextLines int) *Engine {
	return &Engine{contextLines: contextLines}
}

// Compare diffs the local copy of a name ("mine") against the remote
// copy that conflicted with it ("theirs").
func (e *Engine) Compare(mine, theirs []byte) *Result {
	mineLines := splitLines(mine)
	theirLines := splitLines(theirs)

	lcs := lcsMatrix(mineLines, theirLines)
	edits := backtrack(mineLines, theirLines, lcs)

	result := &Result{Hunks: e.group(edits)}
	for _, h := range result.Hunks {
		for _, l := range h.Lines {
			switch l.Op {
			case Added:
				result.Added++
			case Removed:
				result.Removed++
			}
		}
	}
	return result
}

func splitLines(body []byte) [][]byte {
	if len(body) == 0 {
		return nil
	}
	return bytes.Split(bytes.TrimSuffix(body, []byte{'\n'}), []byte{'\n'})
}

func lcsMatrix(a, b [][]byte) [][]int {
	m := make([][]int, len(a)+1)
	for i := range m {
		m[i] = make([]int, len(b)+1)
	}
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if bytes.Equal(a[i-1], b[j-1]) {
				m[i][j] = m[i-1][j-1] + 1
			} else {
				m[i][j] = max(m[i-1][j], m[i][j-1])
			}
		}
	}
	return m
}

// backtrack walks the LCS matrix from the bottom right and emits every
// line in order, tagged Same, Added, or Removed.
func backtrack(a, b [][]byte, lcs [][]int) []Line {
	var rev []Line
	i, j := len(a), len(b)
	for i > 0 || j > 0 {
		switch {
		case i > 0 && j > 0 && bytes.Equal(a[i-1], b[j-1]):
			rev = append(rev, Line{Op: Same, Content: string(a[i-1]), MineNum: i, TheirNum: j})
			i--
			j--
		case j > 0 && (i == 0 || lcs[i][j-1] >= lcs[i-1][j]):
			rev = append(rev, Line{Op: Added, Content: string(b[j-1]), TheirNum: j})
			j--
		default:
			rev = append(rev, Line{Op: Removed, Content: string(a[i-1]), MineNum: i})
			i--
		}
	}
	out := make([]Line, len(rev))
	for k := range rev {
		out[len(rev)-1-k] = rev[k]
	}
	return out
}

// group collects changed lines into hunks, pulling in contextLines of
// unchanged lines around each run and merging runs whose context
// windows touch.
func (e *Engine) group(edits []Line) []Hunk {
	var hunks []Hunk
	var cur *Hunk
	sameSince := 0 // unchanged lines seen since the last change in cur

	flush := func() {
		if cur == nil {
			return
		}
		// Trim trailing context beyond the window.
		if sameSince > e.contextLines {
			cur.Lines = cur.Lines[:len(cur.Lines)-(sameSince-e.contextLines)]
		}
		for _, l := range cur.Lines {
			if l.Op != Added {
				cur.MineLines++
			}
			if l.Op != Removed {
				cur.TheirLines++
			}
		}
		hunks = append(hunks, *cur)
		cur = nil
	}

	for idx, l := range edits {
		if l.Op == Same {
			if cur != nil {
				cur.Lines = append(cur.Lines, l)
				sameSince++
				if sameSince > 2*e.contextLines {
					flush()
				}
			}
			continue
		}
		if cur == nil {
			cur = &Hunk{}
			// Pull in preceding context.
			start := max(0, idx-e.contextLines)
			for k := start; k < idx; k++ {
				cur.Lines = append(cur.Lines, edits[k])
			}
			if len(cur.Lines) > 0 {
				cur.MineStart = cur.Lines[0].MineNum
				cur.TheirStart = cur.Lines[0].TheirNum
			} else {
				cur.MineStart = l.MineNum
				cur.TheirStart = l.TheirNum
			}
		}
		cur.Lines = append(cur.Lines, l)
		sameSince = 0
	}
	flush()
	return hunks
}

// Format renders the comparison in unified style. Lines prefixed with
// "-" are local, "+" are remote.
func (r *Result) Format() string {
	var buf bytes.Buffer
	for _, h := range r.Hunks {
		fmt.Fprintf(&buf, "@@ -%d,%d +%d,%d @@\n",
			h.MineStart, h.MineLines, h.TheirStart, h.TheirLines)
		for _, l := range h.Lines {
			switch l.Op {
			case Added:
				buf.WriteByte('+')
			case Removed:
				buf.WriteByte('-')
			default:
				buf.WriteByte(' ')
			}
			buf.WriteString(l.Content)
			buf.WriteByte('\n')
		}
	}
	return buf.String()
}
