// Package entry turns content files into entries: the parsed, queryable
// records the index is built from.
package entry

import (
	"maps"
	"path"
	"strings"
)

type Status string

const (
	StatusDraft     Status = "draft"
	StatusPublished Status = "published"
	StatusArchived  Status = "archived"
)

// Statuses lists every status in file-name order.
var Statuses = []Status{StatusPublished, StatusDraft, StatusArchived}

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusPublished, StatusArchived:
		return true
	}
	return false
}

// Entry is one version of a piece of content. Entries are immutable once
// indexed; edits produce new files and therefore new entries.
type Entry struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Locale string `json:"locale,omitempty"`
	Status Status `json:"status"`
	// Shared entries are visible under every locale.
	Shared bool `json:"shared,omitempty"`

	Workspace string   `json:"workspace"`
	Root      string   `json:"root"`
	Parents   []string `json:"parents,omitempty"` // slugs of the containing directories
	Slug      string   `json:"slug"`
	Ext       string   `json:"ext"`

	ParentID string `json:"parentId,omitempty"`
	Index    string `json:"index"`

	FilePath string         `json:"filePath"`
	RowHash  string         `json:"rowHash"`
	Data     map[string]any `json:"data"`
}

// URL is the entry's public path within its root.
func (e *Entry) URL() string {
	return "/" + path.Join(append(append([]string{}, e.Parents...), e.Slug)...)
}

func (e *Entry) Location() Location {
	return Location{
		Workspace: e.Workspace,
		Root:      e.Root,
		Locale:    e.Locale,
		Parents:   e.Parents,
		Slug:      e.Slug,
		Status:    e.Status,
		Ext:       e.Ext,
	}
}

// ContainerKey identifies the directory holding this entry.
func (e *Entry) ContainerKey() string {
	return e.Location().ContainerKey()
}

// ChildrenKey identifies the directory holding this entry's children.
func (e *Entry) ChildrenKey() string {
	return e.Location().ChildrenKey()
}

// WithParent returns a copy with a different parent id.
func (e *Entry) WithParent(parentID string) *Entry {
	c := *e
	c.ParentID = parentID
	return &c
}

// Record is the entry as stored in its file: metadata keys plus data.
func (e *Entry) Record() map[string]any {
	rec := maps.Clone(e.Data)
	if rec == nil {
		rec = map[string]any{}
	}
	rec[KeyID] = e.ID
	rec[KeyType] = e.Type
	rec[KeyIndex] = e.Index
	if e.Shared {
		rec[KeyShared] = true
	}
	return rec
}

// Document is the entry as seen by projections: data plus underscored
// attributes.
func (e *Entry) Document() map[string]any {
	doc := maps.Clone(e.Data)
	if doc == nil {
		doc = map[string]any{}
	}
	doc["_id"] = e.ID
	doc["_type"] = e.Type
	doc["_status"] = string(e.Status)
	doc["_locale"] = e.Locale
	doc["_parentId"] = e.ParentID
	doc["_index"] = e.Index
	doc["_path"] = e.Slug
	doc["_url"] = e.URL()
	doc["_filePath"] = e.FilePath
	doc["_workspace"] = e.Workspace
	doc["_root"] = e.Root
	return doc
}

// Less orders siblings by index, then id for equal keys.
func Less(a, b *Entry) bool {
	if a.Index != b.Index {
		return a.Index < b.Index
	}
	return a.ID < b.ID
}

func joinKey(parts ...string) string {
	return strings.Join(parts, "/")
}
