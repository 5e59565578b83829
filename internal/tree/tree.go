// Package tree implements immutable, content-addressed snapshots of a file
// hierarchy: a sorted mapping from slash-separated paths to content hashes.
package tree

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"quire/internal/errors"
)

// Entry is one path of a tree.
type Entry struct {
	Path string `json:"path"`
	Hash string `json:"hash"`
}

// Tree is immutable. Edits return a new Tree and never touch the receiver, so
// a reader holding a *Tree can keep using it while writers move on. A nil
// *Tree reads as empty.
type Tree struct {
	entries []Entry
}

// New returns an empty tree.
func New() *Tree {
	return &Tree{}
}

// ValidatePath reports whether p is a relative slash-separated path without
// empty, "." or ".." segments.
func ValidatePath(p string) error {
	if p == "" {
		return errors.ValidationError("empty path", nil)
	}
	if strings.HasPrefix(p, "/") || strings.HasSuffix(p, "/") {
		return errors.ValidationError(fmt.Sprintf("path %q must not start or end with a slash", p), nil)
	}
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "", ".", "..":
			return errors.ValidationError(fmt.Sprintf("path %q has an invalid segment", p), nil)
		}
	}
	return nil
}

// ValidHash reports whether h is a 64 character lowercase hex digest.
func ValidHash(h string) bool {
	if len(h) != 64 {
		return false
	}
	for i := 0; i < len(h); i++ {
		c := h[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func validate(path, hash string) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	if !ValidHash(hash) {
		return errors.ValidationError(fmt.Sprintf("invalid hash %q for %s", hash, path), nil)
	}
	return nil
}

// FromFlat builds a tree from [path, hash] pairs in any order.
func FromFlat(pairs [][2]string) (*Tree, error) {
	entries := make([]Entry, 0, len(pairs))
	for _, p := range pairs {
		if err := validate(p[0], p[1]); err != nil {
			return nil, err
		}
		entries = append(entries, Entry{Path: p[0], Hash: p[1]})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	for i := 1; i < len(entries); i++ {
		if entries[i].Path == entries[i-1].Path {
			return nil, errors.ValidationError(fmt.Sprintf("duplicate path %s", entries[i].Path), nil)
		}
	}
	return &Tree{entries: entries}, nil
}

// FromMap builds a tree from a path to hash map.
func FromMap(m map[string]string) (*Tree, error) {
	pairs := make([][2]string, 0, len(m))
	for p, h := range m {
		pairs = append(pairs, [2]string{p, h})
	}
	return FromFlat(pairs)
}

func (t *Tree) list() []Entry {
	if t == nil {
		return nil
	}
	return t.entries
}

func (t *Tree) search(path string) (int, bool) {
	entries := t.list()
	i := sort.Search(len(entries), func(i int) bool { return entries[i].Path >= path })
	return i, i < len(entries) && entries[i].Path == path
}

func (t *Tree) Len() int {
	return len(t.list())
}

func (t *Tree) Get(path string) (string, bool) {
	i, ok := t.search(path)
	if !ok {
		return "", false
	}
	return t.entries[i].Hash, true
}

func (t *Tree) Has(path string) bool {
	_, ok := t.search(path)
	return ok
}

// Index returns the entries in path order.
func (t *Tree) Index() []Entry {
	out := make([]Entry, len(t.list()))
	copy(out, t.list())
	return out
}

// Flat returns the entries as [path, hash] pairs, the input shape of FromFlat.
func (t *Tree) Flat() [][2]string {
	out := make([][2]string, 0, t.Len())
	for _, e := range t.list() {
		out = append(out, [2]string{e.Path, e.Hash})
	}
	return out
}

func (t *Tree) Paths() []string {
	out := make([]string, 0, t.Len())
	for _, e := range t.list() {
		out = append(out, e.Path)
	}
	return out
}

// Hashes returns the set of distinct hashes referenced by the tree.
func (t *Tree) Hashes() map[string]struct{} {
	out := make(map[string]struct{}, t.Len())
	for _, e := range t.list() {
		out[e.Hash] = struct{}{}
	}
	return out
}

// Clone returns a tree that shares nothing with the receiver.
func (t *Tree) Clone() *Tree {
	return &Tree{entries: t.Index()}
}

// Insert returns a tree with path set to hash.
func (t *Tree) Insert(path, hash string) (*Tree, error) {
	if err := validate(path, hash); err != nil {
		return nil, err
	}
	i, ok := t.search(path)
	if ok {
		if t.entries[i].Hash == hash {
			return t, nil
		}
		next := t.Index()
		next[i].Hash = hash
		return &Tree{entries: next}, nil
	}
	entries := t.list()
	next := make([]Entry, 0, len(entries)+1)
	next = append(next, entries[:i]...)
	next = append(next, Entry{Path: path, Hash: hash})
	next = append(next, entries[i:]...)
	return &Tree{entries: next}, nil
}

// Remove returns a tree without path.
func (t *Tree) Remove(path string) *Tree {
	i, ok := t.search(path)
	if !ok {
		return t
	}
	next := make([]Entry, 0, len(t.entries)-1)
	next = append(next, t.entries[:i]...)
	next = append(next, t.entries[i+1:]...)
	return &Tree{entries: next}
}

// Diff returns the changes that turn t into target. Deletes carry the hash
// being removed.
func (t *Tree) Diff(target *Tree) Changeset {
	a, b := t.list(), target.list()
	var cs Changeset
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		switch {
		case j >= len(b) || (i < len(a) && a[i].Path < b[j].Path):
			cs = append(cs, Change{Op: OpDelete, Path: a[i].Path, Hash: a[i].Hash})
			i++
		case i >= len(a) || b[j].Path < a[i].Path:
			cs = append(cs, Change{Op: OpAdd, Path: b[j].Path, Hash: b[j].Hash})
			j++
		default:
			if a[i].Hash != b[j].Hash {
				cs = append(cs, Change{Op: OpModify, Path: b[j].Path, Hash: b[j].Hash})
			}
			i++
			j++
		}
	}
	return cs
}

// Equals is true when the changesets in both directions are empty.
func (t *Tree) Equals(other *Tree) bool {
	return len(t.Diff(other)) == 0 && len(other.Diff(t)) == 0
}

// Apply merges a changeset into the tree. Adds and modifies upsert, deletes of
// absent paths are ignored.
func (t *Tree) Apply(cs Changeset) (*Tree, error) {
	if len(cs) == 0 {
		return t, nil
	}
	edits := make(map[string]Change, len(cs))
	for _, c := range cs {
		switch c.Op {
		case OpAdd, OpModify:
			if err := validate(c.Path, c.Hash); err != nil {
				return nil, err
			}
		case OpDelete:
			if err := ValidatePath(c.Path); err != nil {
				return nil, err
			}
		default:
			return nil, errors.ValidationError(fmt.Sprintf("unknown change op %q", c.Op), nil)
		}
		edits[c.Path] = c
	}

	entries := t.list()
	next := make([]Entry, 0, len(entries)+len(edits))
	for _, e := range entries {
		c, ok := edits[e.Path]
		if !ok {
			next = append(next, e)
			continue
		}
		delete(edits, e.Path)
		if c.Op != OpDelete {
			next = append(next, Entry{Path: e.Path, Hash: c.Hash})
		}
	}
	added := false
	for _, c := range edits {
		if c.Op != OpDelete {
			next = append(next, Entry{Path: c.Path, Hash: c.Hash})
			added = true
		}
	}
	if added {
		sort.Slice(next, func(i, j int) bool { return next[i].Path < next[j].Path })
	}
	return &Tree{entries: next}, nil
}

// SHA identifies the tree's contents. Two trees with equal entries have the
// same SHA.
func (t *Tree) SHA() string {
	h := sha256.New()
	for _, e := range t.list() {
		h.Write([]byte(e.Path))
		h.Write([]byte{0})
		h.Write([]byte(e.Hash))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// MarshalJSON writes the {path: hash} object with keys in path order.
func (t *Tree) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range t.list() {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(e.Path)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(e.Hash)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (t *Tree) UnmarshalJSON(data []byte) error {
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	parsed, err := FromMap(m)
	if err != nil {
		return err
	}
	t.entries = parsed.entries
	return nil
}

// FromJSON parses the object form written by MarshalJSON.
func FromJSON(data []byte) (*Tree, error) {
	t := New()
	if err := json.Unmarshal(data, t); err != nil {
		return nil, err
	}
	return t, nil
}
