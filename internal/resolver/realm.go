// Package resolver reads entries out of an index the way a query sees them:
// one version per id, chosen by realm and locale, projected into plain
// values.
package resolver

import (
	"fmt"
	"maps"
	"slices"

	"quire/internal/entry"
)

// Realm selects which status versions a read sees.
type Realm string

const (
	Published       Realm = "published"
	Draft           Realm = "draft"
	Archived        Realm = "archived"
	PreferDraft     Realm = "preferDraft"
	PreferPublished Realm = "preferPublished"
	All             Realm = "all"
)

var realmOrder = map[Realm][]entry.Status{
	Published:       {entry.StatusPublished},
	Draft:           {entry.StatusDraft},
	Archived:        {entry.StatusArchived},
	PreferDraft:     {entry.StatusDraft, entry.StatusPublished, entry.StatusArchived},
	PreferPublished: {entry.StatusPublished, entry.StatusArchived, entry.StatusDraft},
	All:             {entry.StatusPublished, entry.StatusDraft, entry.StatusArchived},
}

func ParseRealm(s string) (Realm, error) {
	r := Realm(s)
	if _, ok := realmOrder[r]; !ok {
		return "", fmt.Errorf("unknown realm %q", s)
	}
	return r, nil
}

// Select picks versions from byStatus. Every realm but All yields at most
// one.
func (r Realm) Select(byStatus map[entry.Status]*entry.Entry) []*entry.Entry {
	var out []*entry.Entry
	for _, st := range realmOrder[r] {
		e, ok := byStatus[st]
		if !ok {
			continue
		}
		out = append(out, e)
		if r != All {
			break
		}
	}
	return out
}

// Context is what a read is resolved against. An empty Locale means the
// root's default locale.
type Context struct {
	Locale string
	Realm  Realm
}

// candidates narrows an entry's versions to one locale. Unlocalized roots
// match any locale; otherwise the exact locale wins and shared versions from
// other locales fill the gaps.
func candidates(versions map[string]map[entry.Status]*entry.Entry, locale string) map[entry.Status]*entry.Entry {
	if byStatus, ok := versions[""]; ok {
		return byStatus
	}
	out := maps.Clone(versions[locale])
	if out == nil {
		out = map[entry.Status]*entry.Entry{}
	}
	for _, loc := range slices.Sorted(maps.Keys(versions)) {
		if loc == locale {
			continue
		}
		for st, e := range versions[loc] {
			if _, have := out[st]; !have && e.Shared {
				out[st] = e
			}
		}
	}
	return out
}
