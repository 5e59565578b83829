// Package mutation describes intended content changes and translates them
// into file changes.
package mutation

import (
	"fmt"
	"path"
	"strings"

	"quire/internal/entry"
	"quire/internal/errors"
	"quire/internal/policy"
	"quire/internal/tree"
)

type Kind string

const (
	KindCreate     Kind = "create"
	KindUpdate     Kind = "update"
	KindRemove     Kind = "remove"
	KindMove       Kind = "move"
	KindPublish    Kind = "publish"
	KindUnpublish  Kind = "unpublish"
	KindArchive    Kind = "archive"
	KindUploadFile Kind = "uploadFile"
	KindRemoveFile Kind = "removeFile"
)

type InsertOrder string

const (
	First InsertOrder = "first"
	Last  InsertOrder = "last"
)

// File is a raw asset.
type File struct {
	Path string `json:"path"`
	Data []byte `json:"data,omitempty"`
}

// Mutation is one intended change. It is plain data until planned.
type Mutation struct {
	Kind    Kind   `json:"kind"`
	EntryID string `json:"entryId,omitempty"`
	Locale  string `json:"locale,omitempty"`

	// create
	Type      string         `json:"type,omitempty"`
	Workspace string         `json:"workspace,omitempty"`
	Root      string         `json:"root,omitempty"`
	Slug      string         `json:"slug,omitempty"`
	Ext       string         `json:"ext,omitempty"`
	Shared    bool           `json:"shared,omitempty"`
	Status    entry.Status   `json:"status,omitempty"`
	Data      map[string]any `json:"data,omitempty"`

	// create and move
	ParentID    string      `json:"parentId,omitempty"`
	InsertOrder InsertOrder `json:"insertOrder,omitempty"`
	After       string      `json:"after,omitempty"`

	// uploadFile and removeFile
	File *File `json:"file,omitempty"`
}

// Validate checks the fields each kind needs.
func (m *Mutation) Validate() error {
	bad := func(msg string) error {
		return errors.ValidationError(fmt.Sprintf("%s: %s", m.Kind, msg), nil)
	}
	if m.InsertOrder != "" && m.InsertOrder != First && m.InsertOrder != Last {
		return bad(fmt.Sprintf("unknown insert order %q", m.InsertOrder))
	}
	if m.After != "" && m.InsertOrder != "" {
		return bad("after and insertOrder are exclusive")
	}
	switch m.Kind {
	case KindCreate:
		if m.Type == "" {
			return bad("type is required")
		}
		if m.ParentID == "" && (m.Workspace == "" || m.Root == "") {
			return bad("parentId or workspace and root are required")
		}
		if m.Slug != "" && !entry.ValidSlug(m.Slug) {
			return bad(fmt.Sprintf("invalid slug %q", m.Slug))
		}
		if m.Status != "" && !m.Status.Valid() {
			return bad(fmt.Sprintf("unknown status %q", m.Status))
		}
	case KindUpdate, KindRemove, KindMove, KindPublish, KindUnpublish, KindArchive:
		if m.EntryID == "" {
			return bad("entryId is required")
		}
		if m.Kind == KindMove && m.ParentID == m.EntryID {
			return errors.Integrity("an entry cannot be moved under itself", m.EntryID)
		}
	case KindUploadFile, KindRemoveFile:
		if m.File == nil || m.File.Path == "" {
			return bad("file path is required")
		}
		if err := tree.ValidatePath(m.File.Path); err != nil {
			return bad(err.Error())
		}
	default:
		return errors.ValidationError(fmt.Sprintf("unknown mutation kind %q", m.Kind), nil)
	}
	return nil
}

// Need is one permission a mutation requires.
type Need struct {
	Permission policy.Permission
	Tag        string
}

// Needs lists the permissions m requires. Entries are tagged by
// their id; files and top-level creates by "workspace/root".
func (m *Mutation) Needs() []Need {
	switch m.Kind {
	case KindCreate:
		if m.ParentID != "" {
			return []Need{{policy.Create, m.ParentID}}
		}
		return []Need{{policy.Create, m.Workspace + "/" + m.Root}}
	case KindUpdate:
		return []Need{{policy.Update, m.EntryID}}
	case KindRemove:
		return []Need{{policy.Delete, m.EntryID}}
	case KindMove:
		needs := []Need{{policy.Update, m.EntryID}}
		switch {
		case m.ParentID != "":
			needs = append(needs, Need{policy.Create, m.ParentID})
		case m.Root != "":
			needs = append(needs, Need{policy.Create, m.Workspace + "/" + m.Root})
		}
		return needs
	case KindPublish, KindUnpublish:
		return []Need{{policy.Publish, m.EntryID}}
	case KindArchive:
		return []Need{{policy.Archive, m.EntryID}}
	case KindUploadFile, KindRemoveFile:
		return []Need{{policy.Upload, fileTag(m.File.Path)}}
	}
	return nil
}

func fileTag(p string) string {
	parts := strings.SplitN(path.Clean(p), "/", 3)
	if len(parts) < 2 {
		return parts[0]
	}
	return parts[0] + "/" + parts[1]
}
