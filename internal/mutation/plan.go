package mutation

import (
	"fmt"
	"maps"
	"path"
	"regexp"
	"slices"
	"sort"
	"strings"

	"github.com/oklog/ulid/v2"

	"quire/internal/entry"
	"quire/internal/errors"
	"quire/internal/fractional"
	"quire/internal/index"
	"quire/internal/tree"
	"quire/shared/utils"
)

const defaultExt = "json"

// Plan is the file-level outcome of a batch.
type Plan struct {
	Base    *tree.Tree
	Next    *tree.Tree
	Changes tree.Changeset
	// Blobs holds the content of every hash Changes adds that the batch
	// produced.
	Blobs map[string][]byte
	// IDs lists the entry id each mutation acted on, in batch order.
	IDs []string
}

// Changeset returns the tree changes and the blobs they need.
func (p *Plan) Changeset() (tree.Changeset, map[string][]byte) {
	return p.Changes, p.Blobs
}

// Build translates muts against ix. Each mutation sees the effects of those
// before it. Nothing is written anywhere.
func Build(ix *index.Index, parser index.Parser, muts []Mutation) (*Plan, error) {
	o := newOverlay(ix, parser)
	ids := make([]string, 0, len(muts))
	for i := range muts {
		m := &muts[i]
		if err := m.Validate(); err != nil {
			return nil, err
		}
		id, err := o.apply(m)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	plan, err := o.plan()
	if err != nil {
		return nil, err
	}
	plan.IDs = ids
	return plan, nil
}

type assetOp struct {
	hash string
	data []byte
	del  bool
}

// overlay is the working copy a batch edits.
type overlay struct {
	base   *index.Index
	parser index.Parser
	ents   map[string]*entry.Entry
	assets map[string]assetOp
}

func newOverlay(ix *index.Index, parser index.Parser) *overlay {
	o := &overlay{
		base:   ix,
		parser: parser,
		ents:   map[string]*entry.Entry{},
		assets: map[string]assetOp{},
	}
	for _, e := range ix.All() {
		o.ents[e.FilePath] = e
	}
	return o
}

func (o *overlay) apply(m *Mutation) (string, error) {
	switch m.Kind {
	case KindCreate:
		return o.create(m)
	case KindUpdate:
		return m.EntryID, o.update(m)
	case KindRemove:
		return m.EntryID, o.remove(m)
	case KindMove:
		return m.EntryID, o.move(m)
	case KindPublish:
		return m.EntryID, o.publish(m)
	case KindUnpublish:
		return m.EntryID, o.unpublish(m)
	case KindArchive:
		return m.EntryID, o.archive(m)
	case KindUploadFile:
		return "", o.uploadFile(m)
	case KindRemoveFile:
		return "", o.removeFile(m)
	}
	return "", errors.ValidationError(fmt.Sprintf("unknown mutation kind %q", m.Kind), nil)
}

func (o *overlay) sorted() []*entry.Entry {
	out := make([]*entry.Entry, 0, len(o.ents))
	for _, p := range slices.Sorted(maps.Keys(o.ents)) {
		out = append(out, o.ents[p])
	}
	return out
}

func (o *overlay) versions(id string) []*entry.Entry {
	var out []*entry.Entry
	for _, e := range o.sorted() {
		if e.ID == id {
			out = append(out, e)
		}
	}
	return out
}

// scoped returns id's versions in locale; unlocalized versions match every
// locale and an empty locale matches all of them.
func (o *overlay) scoped(id, locale string) ([]*entry.Entry, error) {
	vs := o.versions(id)
	if len(vs) == 0 {
		return nil, errors.NotFound(fmt.Sprintf("entry %s not found", id))
	}
	if locale == "" {
		return vs, nil
	}
	var out []*entry.Entry
	for _, e := range vs {
		if e.Locale == locale || e.Locale == "" {
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		return nil, errors.NotFound(fmt.Sprintf("entry %s has no %s version", id, locale))
	}
	return out, nil
}

// byLocale groups versions, returning the locales in order.
func byLocale(vs []*entry.Entry) ([]string, map[string]map[entry.Status]*entry.Entry) {
	groups := map[string]map[entry.Status]*entry.Entry{}
	for _, e := range vs {
		if groups[e.Locale] == nil {
			groups[e.Locale] = map[entry.Status]*entry.Entry{}
		}
		groups[e.Locale][e.Status] = e
	}
	return slices.Sorted(maps.Keys(groups)), groups
}

func (o *overlay) container(childrenKey string) *entry.Entry {
	for _, e := range o.sorted() {
		if e.ChildrenKey() == childrenKey {
			return e
		}
	}
	return nil
}

func (o *overlay) put(e *entry.Entry) error {
	e.FilePath = e.Location().FilePath()
	if prev, ok := o.ents[e.FilePath]; ok && prev.ID != e.ID {
		return errors.Integrity(fmt.Sprintf("%s already belongs to entry %s", e.FilePath, prev.ID), nil)
	}
	if op, ok := o.assets[e.FilePath]; ok && !op.del {
		return errors.Integrity(fmt.Sprintf("%s is a file", e.FilePath), nil)
	}
	o.ents[e.FilePath] = e
	return nil
}

func (o *overlay) drop(e *entry.Entry) {
	delete(o.ents, e.FilePath)
}

func childrenDir(e *entry.Entry) string {
	parts := append([]string{e.Workspace, e.Root, e.Locale}, e.Parents...)
	return path.Join(append(parts, e.Slug)...)
}

// assetsUnder lists the non-entry files below dir.
func (o *overlay) assetsUnder(dir string) map[string]assetOp {
	prefix := dir + "/"
	out := map[string]assetOp{}
	for _, p := range o.base.Tree().Paths() {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		if _, isEntry := o.base.ByPath(p); isEntry {
			continue
		}
		h, _ := o.base.Tree().Get(p)
		out[p] = assetOp{hash: h}
	}
	for p, op := range o.assets {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		if op.del {
			delete(out, p)
		} else {
			out[p] = op
		}
	}
	return out
}

func (o *overlay) entriesUnder(dir string) []*entry.Entry {
	prefix := dir + "/"
	var out []*entry.Entry
	for _, e := range o.sorted() {
		if strings.HasPrefix(e.FilePath, prefix) {
			out = append(out, e)
		}
	}
	return out
}

func (o *overlay) descendants(id string) map[string]bool {
	out := map[string]bool{}
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, v := range o.versions(cur) {
			key := v.ChildrenKey()
			for _, e := range o.sorted() {
				if e.ContainerKey() == key && !out[e.ID] && e.ID != id {
					out[e.ID] = true
					queue = append(queue, e.ID)
				}
			}
		}
	}
	return out
}

// orderKey places exclude among the other entries of a container.
func (o *overlay) orderKey(containerKey, exclude string, order InsertOrder, after string) (string, error) {
	type sibling struct{ id, key string }
	seen := map[string]bool{}
	var sibs []sibling
	for _, e := range o.sorted() {
		if e.ContainerKey() != containerKey || e.ID == exclude || seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		sibs = append(sibs, sibling{e.ID, e.Index})
	}
	sort.Slice(sibs, func(i, j int) bool {
		if sibs[i].key != sibs[j].key {
			return sibs[i].key < sibs[j].key
		}
		return sibs[i].id < sibs[j].id
	})

	switch {
	case after != "":
		for i, s := range sibs {
			if s.id != after {
				continue
			}
			hi := ""
			for _, n := range sibs[i+1:] {
				if n.key > s.key {
					hi = n.key
					break
				}
			}
			return fractional.Between(s.key, hi)
		}
		return "", errors.ValidationError(fmt.Sprintf("%s is not a sibling", after), nil)
	case len(sibs) == 0:
		return fractional.Between("", "")
	case order == First:
		return fractional.First(sibs[0].key)
	default:
		return fractional.Last(sibs[len(sibs)-1].key)
	}
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(s string) string {
	return strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(s), "-"), "-")
}

func (o *overlay) create(m *Mutation) (string, error) {
	id := m.EntryID
	if id == "" {
		id = ulid.Make().String()
	}
	if len(o.versions(id)) > 0 {
		return "", errors.Integrity(fmt.Sprintf("entry %s already exists", id), nil)
	}

	loc := entry.Location{Ext: m.Ext, Status: m.Status}
	if m.ParentID != "" {
		pvs, err := o.scoped(m.ParentID, m.Locale)
		if err != nil {
			return "", err
		}
		parent := pvs[0]
		loc.Workspace, loc.Root, loc.Locale = parent.Workspace, parent.Root, parent.Locale
		loc.Parents = append(slices.Clone(parent.Parents), parent.Slug)
	} else {
		loc.Workspace, loc.Root, loc.Locale = m.Workspace, m.Root, m.Locale
		locales := o.parser.Layout.Locales(m.Workspace, m.Root)
		switch {
		case len(locales) > 0 && loc.Locale == "":
			loc.Locale = locales[0]
		case len(locales) > 0 && !slices.Contains(locales, loc.Locale):
			return "", errors.ValidationError(fmt.Sprintf("root %s/%s has no locale %q", m.Workspace, m.Root, m.Locale), nil)
		case len(locales) == 0 && loc.Locale != "":
			return "", errors.ValidationError(fmt.Sprintf("root %s/%s is not localized", m.Workspace, m.Root), nil)
		}
	}
	if loc.Ext == "" {
		loc.Ext = defaultExt
	}
	if _, ok := o.parser.Registry.Get(loc.Ext); !ok {
		return "", errors.ValidationError(fmt.Sprintf("no loader for .%s", loc.Ext), nil)
	}
	if loc.Status == "" {
		loc.Status = entry.StatusDraft
	}
	loc.Slug = m.Slug
	if loc.Slug == "" {
		if title, ok := m.Data["title"].(string); ok {
			loc.Slug = slugify(title)
		}
	}
	if loc.Slug == "" {
		loc.Slug = strings.ToLower(id)
	}
	if c := o.container(loc.ChildrenKey()); c != nil {
		return "", errors.Integrity(fmt.Sprintf("slug %s is taken by %s", loc.Slug, c.ID), nil)
	}

	key, err := o.orderKey(loc.ContainerKey(), id, m.InsertOrder, m.After)
	if err != nil {
		return "", err
	}
	e := &entry.Entry{
		ID:        id,
		Type:      m.Type,
		Locale:    loc.Locale,
		Status:    loc.Status,
		Shared:    m.Shared,
		Workspace: loc.Workspace,
		Root:      loc.Root,
		Parents:   loc.Parents,
		Slug:      loc.Slug,
		Ext:       loc.Ext,
		ParentID:  m.ParentID,
		Index:     key,
		Data:      maps.Clone(m.Data),
	}
	if e.Data == nil {
		e.Data = map[string]any{}
	}
	return id, o.put(e)
}

func merge(base, patch map[string]any) map[string]any {
	out := maps.Clone(base)
	if out == nil {
		out = map[string]any{}
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

func (o *overlay) update(m *Mutation) error {
	vs, err := o.scoped(m.EntryID, m.Locale)
	if err != nil {
		return err
	}
	locales, groups := byLocale(vs)
	if m.Locale == "" && len(locales) > 1 {
		return errors.ValidationError(fmt.Sprintf("entry %s exists in several locales; name one", m.EntryID), locales)
	}
	for _, loc := range locales {
		g := groups[loc]
		src := g[entry.StatusDraft]
		if src == nil {
			src = g[entry.StatusPublished]
		}
		if src == nil {
			src = g[entry.StatusArchived]
		}
		draft := *src
		draft.Status = entry.StatusDraft
		draft.Data = merge(src.Data, m.Data)
		if err := o.put(&draft); err != nil {
			return err
		}
	}
	return nil
}

func (o *overlay) remove(m *Mutation) error {
	vs, err := o.scoped(m.EntryID, m.Locale)
	if err != nil {
		return err
	}
	for _, v := range vs {
		dir := childrenDir(v)
		for _, e := range o.entriesUnder(dir) {
			o.drop(e)
		}
		for p := range o.assetsUnder(dir) {
			o.assets[p] = assetOp{del: true}
		}
		o.drop(v)
	}
	return nil
}

func (o *overlay) move(m *Mutation) error {
	vs, err := o.scoped(m.EntryID, "")
	if err != nil {
		return err
	}
	if m.ParentID != "" && o.descendants(m.EntryID)[m.ParentID] {
		return errors.Integrity(fmt.Sprintf("cannot move %s under its descendant %s", m.EntryID, m.ParentID), nil)
	}

	locales, groups := byLocale(vs)
	for _, loc := range locales {
		g := groups[loc]
		var first *entry.Entry
		for _, st := range entry.Statuses {
			if e, ok := g[st]; ok {
				first = e
				break
			}
		}

		parents, parentID := first.Parents, first.ParentID
		switch {
		case m.ParentID != "":
			pvs, err := o.scoped(m.ParentID, loc)
			if err != nil {
				return errors.Integrity(fmt.Sprintf("parent %s has no %q version", m.ParentID, loc), nil)
			}
			parent := pvs[0]
			if parent.Workspace != first.Workspace || parent.Root != first.Root {
				return errors.ValidationError("entries cannot move between roots", nil)
			}
			parents, parentID = append(slices.Clone(parent.Parents), parent.Slug), parent.ID
		case m.Root != "":
			if m.Workspace != first.Workspace || m.Root != first.Root {
				return errors.ValidationError("entries cannot move between roots", nil)
			}
			parents, parentID = nil, ""
		}

		target := entry.Location{Workspace: first.Workspace, Root: first.Root, Locale: first.Locale, Parents: parents, Slug: first.Slug}
		if c := o.container(target.ChildrenKey()); c != nil && c.ID != m.EntryID {
			return errors.Integrity(fmt.Sprintf("slug %s is taken by %s", first.Slug, c.ID), nil)
		}
		key, err := o.orderKey(target.ContainerKey(), m.EntryID, m.InsertOrder, m.After)
		if err != nil {
			return err
		}

		oldDir := childrenDir(first)
		for _, st := range entry.Statuses {
			v, ok := g[st]
			if !ok {
				continue
			}
			moved := *v
			moved.Parents, moved.ParentID, moved.Index = parents, parentID, key
			o.drop(v)
			if err := o.put(&moved); err != nil {
				return err
			}
		}

		newDir := path.Join(append(append([]string{first.Workspace, first.Root, first.Locale}, parents...), first.Slug)...)
		if newDir == oldDir {
			continue
		}
		if err := o.relocate(oldDir, newDir, len(first.Parents)+1, append(slices.Clone(parents), first.Slug)); err != nil {
			return err
		}
	}
	return nil
}

// relocate moves everything below oldDir to newDir. Entries keep their
// slugs; the first depth parent slugs are replaced by prefix.
func (o *overlay) relocate(oldDir, newDir string, depth int, prefix []string) error {
	for _, e := range o.entriesUnder(oldDir) {
		moved := *e
		moved.Parents = append(slices.Clone(prefix), e.Parents[depth:]...)
		o.drop(e)
		if err := o.put(&moved); err != nil {
			return err
		}
	}
	for p, op := range o.assetsUnder(oldDir) {
		o.assets[p] = assetOp{del: true}
		o.assets[newDir+strings.TrimPrefix(p, oldDir)] = op
	}
	return nil
}

func (o *overlay) publish(m *Mutation) error {
	return o.transition(m, entry.StatusDraft, entry.StatusPublished, false)
}

func (o *overlay) unpublish(m *Mutation) error {
	return o.transition(m, entry.StatusPublished, entry.StatusDraft, true)
}

func (o *overlay) archive(m *Mutation) error {
	return o.transition(m, entry.StatusPublished, entry.StatusArchived, false)
}

// transition turns the from version into the to version in every locale
// that has one. With keepExisting an existing to version wins over the
// converted one.
func (o *overlay) transition(m *Mutation, from, to entry.Status, keepExisting bool) error {
	vs, err := o.scoped(m.EntryID, m.Locale)
	if err != nil {
		return err
	}
	locales, groups := byLocale(vs)
	found := false
	for _, loc := range locales {
		src, ok := groups[loc][from]
		if !ok {
			continue
		}
		found = true
		o.drop(src)
		if _, exists := groups[loc][to]; exists && keepExisting {
			continue
		}
		next := *src
		next.Status = to
		if err := o.put(&next); err != nil {
			return err
		}
	}
	if !found {
		return errors.ValidationError(fmt.Sprintf("entry %s has no %s version to %s", m.EntryID, from, m.Kind), nil)
	}
	return nil
}

func (o *overlay) uploadFile(m *Mutation) error {
	if _, ok := o.ents[m.File.Path]; ok {
		return errors.ValidationError(fmt.Sprintf("%s is an entry file", m.File.Path), nil)
	}
	o.assets[m.File.Path] = assetOp{hash: utils.HashContent(m.File.Data), data: m.File.Data}
	return nil
}

func (o *overlay) removeFile(m *Mutation) error {
	p := m.File.Path
	if _, ok := o.ents[p]; ok {
		return errors.ValidationError(fmt.Sprintf("%s is an entry file", p), nil)
	}
	op, pending := o.assets[p]
	if !(pending && !op.del) && !o.base.Tree().Has(p) {
		return errors.NotFound(fmt.Sprintf("file %s not found", p))
	}
	o.assets[p] = assetOp{del: true}
	return nil
}

func (o *overlay) plan() (*Plan, error) {
	base := o.base.Tree()
	desired := map[string]string{}
	for _, e := range base.Index() {
		desired[e.Path] = e.Hash
	}
	for _, e := range o.base.All() {
		if _, kept := o.ents[e.FilePath]; !kept {
			delete(desired, e.FilePath)
		}
	}

	blobs := map[string][]byte{}
	for p, e := range o.ents {
		if orig, ok := o.base.ByPath(p); ok && orig == e {
			continue
		}
		data, err := entry.Format(e, o.parser.Registry)
		if err != nil {
			return nil, err
		}
		h := utils.HashContent(data)
		desired[p] = h
		blobs[h] = data
	}
	for p, op := range o.assets {
		if op.del {
			if _, isEntry := o.ents[p]; !isEntry {
				delete(desired, p)
			}
			continue
		}
		desired[p] = op.hash
		if op.data != nil {
			blobs[op.hash] = op.data
		}
	}

	next, err := tree.FromMap(desired)
	if err != nil {
		return nil, errors.ValidationError("batch produces an invalid tree", err.Error())
	}
	changes := base.Diff(next)
	used := map[string][]byte{}
	for _, h := range changes.Wanted() {
		if data, ok := blobs[h]; ok {
			used[h] = data
		}
	}
	return &Plan{Base: base, Next: next, Changes: changes, Blobs: used}, nil
}
