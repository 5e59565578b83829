package tree

type Op string

const (
	OpAdd    Op = "add"
	OpModify Op = "modify"
	OpDelete Op = "delete"
)

type Change struct {
	Op   Op     `json:"op"`
	Path string `json:"path"`
	Hash string `json:"hash,omitempty"`
}

// Changeset is ordered by path when produced by Diff.
type Changeset []Change

func (cs Changeset) Empty() bool {
	return len(cs) == 0
}

func (cs Changeset) Paths() []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Path)
	}
	return out
}

// Wanted returns the distinct hashes introduced by adds and modifies, in
// first-seen order.
func (cs Changeset) Wanted() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, c := range cs {
		if c.Op == OpDelete {
			continue
		}
		if _, ok := seen[c.Hash]; ok {
			continue
		}
		seen[c.Hash] = struct{}{}
		out = append(out, c.Hash)
	}
	return out
}

// Counts tallies changes per op.
func (cs Changeset) Counts() (added, modified, deleted int) {
	for _, c := range cs {
		switch c.Op {
		case OpAdd:
			added++
		case OpModify:
			modified++
		case OpDelete:
			deleted++
		}
	}
	return
}
