package resolver

import (
	"slices"

	"quire/internal/entry"
	"quire/internal/index"
)

// Resolver reads one index snapshot.
type Resolver struct {
	ix     *index.Index
	layout *entry.Layout
}

func New(ix *index.Index, layout *entry.Layout) *Resolver {
	return &Resolver{ix: ix, layout: layout}
}

// localeFor applies the root's default when the context names no locale or
// one the root does not have.
func (r *Resolver) localeFor(versions map[string]map[entry.Status]*entry.Entry, ctx Context) string {
	var sample *entry.Entry
	for _, byStatus := range versions {
		for _, e := range byStatus {
			sample = e
			break
		}
		if sample != nil {
			break
		}
	}
	if sample == nil || r.layout == nil {
		return ctx.Locale
	}
	locales := r.layout.Locales(sample.Workspace, sample.Root)
	if ctx.Locale != "" && (len(locales) == 0 || slices.Contains(locales, ctx.Locale)) {
		return ctx.Locale
	}
	return r.layout.DefaultLocale(sample.Workspace, sample.Root)
}

// Versions returns the versions of id visible in ctx.
func (r *Resolver) Versions(id string, ctx Context) []*entry.Entry {
	versions := r.ix.Versions(id)
	if len(versions) == 0 {
		return nil
	}
	return ctx.Realm.Select(candidates(versions, r.localeFor(versions, ctx)))
}

// Entry returns the single version of id visible in ctx, or nil.
func (r *Resolver) Entry(id string, ctx Context) *entry.Entry {
	if vs := r.Versions(id, ctx); len(vs) > 0 {
		return vs[0]
	}
	return nil
}

// Resolve projects id. It returns nil when id has no version in ctx.
func (r *Resolver) Resolve(id string, p Projection, ctx Context) map[string]any {
	e := r.Entry(id, ctx)
	if e == nil {
		return nil
	}
	return r.project(e, p, ctx)
}

// ResolveVersions projects every visible version of id, which under All is
// one per status.
func (r *Resolver) ResolveVersions(id string, p Projection, ctx Context) []map[string]any {
	var out []map[string]any
	for _, e := range r.Versions(id, ctx) {
		out = append(out, r.project(e, p, ctx))
	}
	return out
}

// Query projects every id matching f, in index order. f.Status and
// f.Locale are ignored; ctx decides them.
func (r *Resolver) Query(f index.Filter, p Projection, ctx Context) []map[string]any {
	f.Status, f.Locale = "", ""
	seen := map[string]bool{}
	var out []map[string]any
	for _, e := range r.ix.Find(f) {
		if seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		if v := r.Resolve(e.ID, p, ctx); v != nil {
			out = append(out, v)
		}
	}
	return out
}

// Children returns the visible children of id sorted by their visible
// versions' order keys.
func (r *Resolver) Children(id string, ctx Context) []*entry.Entry {
	var out []*entry.Entry
	for _, c := range r.ix.Children(id) {
		if e := r.Entry(c, ctx); e != nil {
			out = append(out, e)
		}
	}
	slices.SortStableFunc(out, func(a, b *entry.Entry) int {
		switch {
		case entry.Less(a, b):
			return -1
		case entry.Less(b, a):
			return 1
		}
		return 0
	})
	return out
}

func (r *Resolver) project(e *entry.Entry, p Projection, ctx Context) map[string]any {
	doc := e.Document()
	if p == nil {
		return doc
	}
	out := make(map[string]any, len(p))
	for name, sel := range p {
		if v, ok := r.selection(e, doc, sel, ctx); ok {
			out[name] = v
		}
	}
	return out
}

// selection reports false when the value is absent.
func (r *Resolver) selection(e *entry.Entry, doc map[string]any, sel Selection, ctx Context) (any, bool) {
	switch s := sel.(type) {
	case *Field:
		if s.expr == nil {
			f, err := NewField(s.Path)
			if err != nil {
				return nil, false
			}
			s = f
		}
		got := s.expr.Get(doc)
		if len(got) == 0 {
			return nil, false
		}
		return got[0], true
	case Literal:
		return s.Value, true
	case Nested:
		return r.project(e, s.Projection, ctx), true
	case Link:
		return r.link(doc[s.Field], s.Projection, ctx)
	case Children:
		var out []any
		for _, c := range r.Children(e.ID, ctx) {
			out = append(out, r.project(c, s.Projection, ctx))
		}
		if out == nil {
			out = []any{}
		}
		return out, true
	case Parent:
		if e.ParentID == "" {
			return nil, true
		}
		return orNil(r.Resolve(e.ParentID, s.Projection, ctx)), true
	}
	return nil, false
}

// link resolves reference values. A single broken reference is nil; broken
// references in a list are dropped.
func (r *Resolver) link(v any, p Projection, ctx Context) (any, bool) {
	switch v := v.(type) {
	case nil:
		return nil, true
	case []any:
		out := []any{}
		for _, item := range v {
			if id, ok := refID(item); ok {
				if res := r.Resolve(id, p, ctx); res != nil {
					out = append(out, res)
				}
			}
		}
		return out, true
	default:
		id, ok := refID(v)
		if !ok {
			return nil, true
		}
		return orNil(r.Resolve(id, p, ctx)), true
	}
}

func refID(v any) (string, bool) {
	switch v := v.(type) {
	case string:
		return v, v != ""
	case map[string]any:
		id, ok := v["_entry"].(string)
		return id, ok && id != ""
	}
	return "", false
}

func orNil(m map[string]any) any {
	if m == nil {
		return nil
	}
	return m
}
