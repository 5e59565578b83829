// Package index holds the queryable entry graph built from a content tree.
package index

import (
	"context"
	stderrors "errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"

	"github.com/RoaringBitmap/roaring"

	"quire/internal/entry"
	"quire/internal/errors"
	"quire/internal/source"
	"quire/internal/tree"
)

// Index is an immutable snapshot of every entry in a tree. Updates build a
// new Index; readers holding an old one are never affected.
type Index struct {
	tree *tree.Tree

	byPath    map[string]*entry.Entry
	malformed map[string]string

	versions   map[string]map[string]map[entry.Status]*entry.Entry // id -> locale -> status
	containers map[string]string                                   // children key -> id
	children   map[string][]string                                 // parent id -> child ids
	roots      map[string][]string                                 // "ws/root" -> top-level ids

	all      []*entry.Entry // every version in file path order
	byStatus map[entry.Status]*roaring.Bitmap
	byType   map[string]*roaring.Bitmap
}

// Empty is the index of an empty tree.
func Empty() *Index {
	ix := &Index{
		tree:      tree.New(),
		byPath:    map[string]*entry.Entry{},
		malformed: map[string]string{},
	}
	_ = ix.derive()
	return ix
}

func (ix *Index) Tree() *tree.Tree { return ix.tree }

func (ix *Index) Len() int { return len(ix.versions) }

// Malformed reports files skipped because they could not be parsed.
func (ix *Index) Malformed() map[string]string {
	return maps.Clone(ix.malformed)
}

// Parser turns files into entries.
type Parser struct {
	Layout   *entry.Layout
	Registry *entry.Registry
}

// Apply builds the index for next, re-parsing only the paths in changes.
// blobs must serve every hash changes adds. A duplicate version or an entry
// outside any container is an IntegrityViolation and no index is returned.
func (ix *Index) Apply(ctx context.Context, p Parser, next *tree.Tree, changes tree.Changeset, blobs source.Source) (*Index, error) {
	out := &Index{
		tree:      next,
		byPath:    maps.Clone(ix.byPath),
		malformed: maps.Clone(ix.malformed),
	}

	var wanted []string
	parse := map[string]entry.Location{}
	for _, c := range changes {
		delete(out.malformed, c.Path)
		if c.Op == tree.OpDelete {
			delete(out.byPath, c.Path)
			continue
		}
		loc, err := p.Layout.Parse(c.Path, p.Registry)
		if stderrors.Is(err, entry.ErrNotEntry) {
			delete(out.byPath, c.Path)
			continue
		}
		if err != nil {
			delete(out.byPath, c.Path)
			out.malformed[c.Path] = err.Error()
			continue
		}
		parse[c.Path] = loc
		wanted = append(wanted, c.Hash)
	}

	if len(parse) > 0 {
		data, err := source.ReadBlobs(ctx, blobs, dedupe(wanted))
		if err != nil {
			return nil, err
		}
		for path, loc := range parse {
			h, _ := next.Get(path)
			e, err := entry.Parse(loc, path, data[h], p.Registry)
			if err != nil {
				delete(out.byPath, path)
				out.malformed[path] = err.Error()
				continue
			}
			if prev, ok := ix.byPath[path]; ok && prev.RowHash == e.RowHash {
				continue
			}
			out.byPath[path] = e
		}
	}

	if err := out.derive(); err != nil {
		return nil, err
	}
	return out, nil
}

func dedupe(hashes []string) []string {
	slices.Sort(hashes)
	return slices.Compact(hashes)
}

// derive rebuilds every lookup from byPath.
func (ix *Index) derive() error {
	paths := make([]string, 0, len(ix.byPath))
	for p := range ix.byPath {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	ix.versions = map[string]map[string]map[entry.Status]*entry.Entry{}
	ix.containers = map[string]string{}
	placed := map[string]*entry.Entry{}
	for _, p := range paths {
		e := ix.byPath[p]
		byLocale, ok := ix.versions[e.ID]
		if !ok {
			byLocale = map[string]map[entry.Status]*entry.Entry{}
			ix.versions[e.ID] = byLocale
		}
		byStatus, ok := byLocale[e.Locale]
		if !ok {
			byStatus = map[entry.Status]*entry.Entry{}
			byLocale[e.Locale] = byStatus
		}
		placeKey := e.ID + "\x00" + e.Locale
		if other, ok := placed[placeKey]; ok && !samePlace(other, e) {
			return errors.Integrity(fmt.Sprintf("entry %s is stored under two names", e.ID),
				[]string{other.FilePath, e.FilePath})
		}
		placed[placeKey] = e
		if other, dup := byStatus[e.Status]; dup {
			return errors.Integrity(fmt.Sprintf("entry %s has two %s versions", e.ID, e.Status),
				[]string{other.FilePath, e.FilePath})
		}
		byStatus[e.Status] = e

		key := e.ChildrenKey()
		if owner, taken := ix.containers[key]; taken && owner != e.ID {
			return errors.Integrity(fmt.Sprintf("entries %s and %s share the path %s", owner, e.ID, e.URL()), nil)
		}
		ix.containers[key] = e.ID
	}

	ix.children = map[string][]string{}
	ix.roots = map[string][]string{}
	ix.all = make([]*entry.Entry, 0, len(paths))
	seenChild := map[string]bool{}
	for _, p := range paths {
		e := ix.byPath[p]
		parentID := ""
		if pk := e.Location().ParentKey(); pk != "" {
			id, ok := ix.containers[pk]
			if !ok {
				return errors.Integrity(fmt.Sprintf("%s has no container entry", p), nil)
			}
			parentID = id
		}
		if e.ParentID != parentID {
			e = e.WithParent(parentID)
			ix.byPath[p] = e
			ix.versions[e.ID][e.Locale][e.Status] = e
		}
		ix.all = append(ix.all, e)

		if seenChild[e.ID] {
			continue
		}
		seenChild[e.ID] = true
		if parentID == "" {
			rk := e.Workspace + "/" + e.Root
			ix.roots[rk] = append(ix.roots[rk], e.ID)
		} else {
			ix.children[parentID] = append(ix.children[parentID], e.ID)
		}
	}
	for _, ids := range ix.children {
		ix.sortSiblings(ids)
	}
	for _, ids := range ix.roots {
		ix.sortSiblings(ids)
	}

	ix.byStatus = map[entry.Status]*roaring.Bitmap{}
	ix.byType = map[string]*roaring.Bitmap{}
	for i, e := range ix.all {
		bm, ok := ix.byStatus[e.Status]
		if !ok {
			bm = roaring.New()
			ix.byStatus[e.Status] = bm
		}
		bm.Add(uint32(i))
		bt, ok := ix.byType[e.Type]
		if !ok {
			bt = roaring.New()
			ix.byType[e.Type] = bt
		}
		bt.Add(uint32(i))
	}
	return nil
}

// samePlace reports whether two versions of one locale share a file name
// apart from their status suffix and extension.
func samePlace(a, b *entry.Entry) bool {
	return a.Workspace == b.Workspace && a.Root == b.Root &&
		a.Slug == b.Slug && slices.Equal(a.Parents, b.Parents)
}

func (ix *Index) sortSiblings(ids []string) {
	sort.SliceStable(ids, func(i, j int) bool {
		return entry.Less(ix.Primary(ids[i]), ix.Primary(ids[j]))
	})
}

// Primary is the version used for ordering and policy: published, then
// draft, then archived, in the lowest locale.
func (ix *Index) Primary(id string) *entry.Entry {
	byLocale := ix.versions[id]
	for _, st := range entry.Statuses {
		for _, loc := range slices.Sorted(maps.Keys(byLocale)) {
			if e, ok := byLocale[loc][st]; ok {
				return e
			}
		}
	}
	return nil
}

// All lists every version in file path order.
func (ix *Index) All() []*entry.Entry {
	return slices.Clone(ix.all)
}

// Get returns one version.
func (ix *Index) Get(id, locale string, status entry.Status) (*entry.Entry, bool) {
	e, ok := ix.versions[id][locale][status]
	return e, ok
}

func (ix *Index) Has(id string) bool {
	_, ok := ix.versions[id]
	return ok
}

// Versions returns every version of id, keyed by locale then status.
func (ix *Index) Versions(id string) map[string]map[entry.Status]*entry.Entry {
	return ix.versions[id]
}

// AllVersions lists every version of id in file path order.
func (ix *Index) AllVersions(id string) []*entry.Entry {
	var out []*entry.Entry
	for _, byStatus := range ix.versions[id] {
		for _, e := range byStatus {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FilePath < out[j].FilePath })
	return out
}

func (ix *Index) ByPath(filePath string) (*entry.Entry, bool) {
	e, ok := ix.byPath[filePath]
	return e, ok
}

// IDForPath resolves a file path to its entry id.
func (ix *Index) IDForPath(filePath string) (string, bool) {
	e, ok := ix.byPath[filePath]
	if !ok {
		return "", false
	}
	return e.ID, true
}

// Children lists the child ids of parentID in order.
func (ix *Index) Children(parentID string) []string {
	return slices.Clone(ix.children[parentID])
}

// RootChildren lists the top-level ids of a root in order.
func (ix *Index) RootChildren(workspace, root string) []string {
	return slices.Clone(ix.roots[workspace+"/"+root])
}

// Parent returns the parent id, or "" for top-level entries.
func (ix *Index) Parent(id string) string {
	if e := ix.Primary(id); e != nil {
		return e.ParentID
	}
	return ""
}

// Ancestors lists parent ids from the nearest up.
func (ix *Index) Ancestors(id string) []string {
	var out []string
	seen := map[string]bool{id: true}
	for p := ix.Parent(id); p != ""; p = ix.Parent(p) {
		if seen[p] {
			break
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// Filter selects entry versions. Zero fields match anything.
type Filter struct {
	Workspace string
	Root      string
	Type      string
	Status    entry.Status
	Locale    string
	ParentID  string
}

// Find returns matching versions in file path order.
func (ix *Index) Find(f Filter) []*entry.Entry {
	var sets []*roaring.Bitmap
	if f.Status != "" {
		bm, ok := ix.byStatus[f.Status]
		if !ok {
			return nil
		}
		sets = append(sets, bm)
	}
	if f.Type != "" {
		bm, ok := ix.byType[f.Type]
		if !ok {
			return nil
		}
		sets = append(sets, bm)
	}

	match := func(e *entry.Entry) bool {
		return (f.Workspace == "" || e.Workspace == f.Workspace) &&
			(f.Root == "" || e.Root == f.Root) &&
			(f.Locale == "" || e.Locale == f.Locale || e.Shared) &&
			(f.ParentID == "" || e.ParentID == f.ParentID)
	}

	var out []*entry.Entry
	if len(sets) == 0 {
		for _, e := range ix.all {
			if match(e) {
				out = append(out, e)
			}
		}
		return out
	}
	it := roaring.FastAnd(sets...).Iterator()
	for it.HasNext() {
		if e := ix.all[it.Next()]; match(e) {
			out = append(out, e)
		}
	}
	return out
}

// Tags returns the policy tags above tag: the parent chain of an entry id,
// then its root as "ws/root", then its workspace.
func (ix *Index) Tags(tag string) []string {
	if e := ix.Primary(tag); e != nil {
		out := ix.Ancestors(tag)
		return append(out, e.Workspace+"/"+e.Root, e.Workspace)
	}
	if ws, _, ok := strings.Cut(tag, "/"); ok {
		return []string{ws}
	}
	return nil
}
