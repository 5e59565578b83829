package entry

import (
	stderrors "errors"
	"fmt"
	"path"
	"regexp"
	"slices"
	"strings"

	"quire/internal/config"
	"quire/internal/errors"
)

// ErrNotEntry marks paths that are assets rather than entries.
var ErrNotEntry = stderrors.New("not an entry file")

var slugPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// ValidSlug reports whether s can name an entry file or directory.
func ValidSlug(s string) bool {
	return slugPattern.MatchString(s)
}

// Location is where an entry file lives:
//
//	<workspace>/<root>/[<locale>/]<parents...>/<slug>[.draft|.archived].<ext>
type Location struct {
	Workspace string
	Root      string
	Locale    string
	Parents   []string
	Slug      string
	Status    Status
	Ext       string
}

// FilePath renders the location as a tree path.
func (l Location) FilePath() string {
	parts := []string{l.Workspace, l.Root}
	if l.Locale != "" {
		parts = append(parts, l.Locale)
	}
	parts = append(parts, l.Parents...)
	name := l.Slug
	if l.Status != StatusPublished {
		name += "." + string(l.Status)
	}
	name += "." + l.Ext
	return path.Join(append(parts, name)...)
}

func (l Location) base() []string {
	return []string{l.Workspace, l.Root, l.Locale}
}

// ContainerKey identifies the directory the file sits in.
func (l Location) ContainerKey() string {
	return joinKey(append(l.base(), l.Parents...)...)
}

// ChildrenKey identifies the directory named after the entry.
func (l Location) ChildrenKey() string {
	return joinKey(append(append(l.base(), l.Parents...), l.Slug)...)
}

// ParentKey is the children key of the containing entry, or "" at the root.
func (l Location) ParentKey() string {
	if len(l.Parents) == 0 {
		return ""
	}
	return l.ContainerKey()
}

// Layout knows which roots are localized.
type Layout struct {
	locales map[string][]string // "ws/root" -> locales
}

func NewLayout(cfg config.ContentConfig) *Layout {
	l := &Layout{locales: map[string][]string{}}
	for ws, wcfg := range cfg.Workspaces {
		for root, rcfg := range wcfg.Roots {
			l.locales[joinKey(ws, root)] = slices.Clone(rcfg.Locales)
		}
	}
	return l
}

// Locales returns a root's locales; nil means the root is not localized.
func (l *Layout) Locales(workspace, root string) []string {
	return l.locales[joinKey(workspace, root)]
}

// DefaultLocale is the first configured locale of a root.
func (l *Layout) DefaultLocale(workspace, root string) string {
	if ls := l.Locales(workspace, root); len(ls) > 0 {
		return ls[0]
	}
	return ""
}

// Parse splits a tree path into a location. Paths whose extension has no
// loader in reg return ErrNotEntry.
func (l *Layout) Parse(p string, reg *Registry) (Location, error) {
	parts := strings.Split(p, "/")
	file := parts[len(parts)-1]
	dot := strings.LastIndexByte(file, '.')
	if dot <= 0 {
		return Location{}, ErrNotEntry
	}
	ext := file[dot+1:]
	if _, ok := reg.Get(ext); !ok {
		return Location{}, ErrNotEntry
	}
	if len(parts) < 3 {
		return Location{}, errors.Malformed(p, fmt.Errorf("entry files live under <workspace>/<root>/"))
	}

	loc := Location{Workspace: parts[0], Root: parts[1], Ext: ext, Status: StatusPublished}
	rest := parts[2 : len(parts)-1]
	if locales := l.Locales(loc.Workspace, loc.Root); len(locales) > 0 {
		if len(rest) == 0 || !slices.Contains(locales, rest[0]) {
			return Location{}, errors.Malformed(p, fmt.Errorf("localized root needs one of %v as first directory", locales))
		}
		loc.Locale, rest = rest[0], rest[1:]
	}
	loc.Parents = slices.Clone(rest)

	name := file[:dot]
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		switch Status(name[i+1:]) {
		case StatusDraft, StatusArchived:
			loc.Status = Status(name[i+1:])
			name = name[:i]
		default:
			return Location{}, errors.Malformed(p, fmt.Errorf("unknown status suffix %q", name[i+1:]))
		}
	}
	loc.Slug = name

	for _, s := range append(slices.Clone(loc.Parents), loc.Slug) {
		if !ValidSlug(s) {
			return Location{}, errors.Malformed(p, fmt.Errorf("invalid slug %q", s))
		}
	}
	return loc, nil
}
