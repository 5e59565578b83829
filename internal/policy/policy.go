// Package policy decides what a role may do to tagged content.
package policy

import (
	"fmt"
	"maps"
	"strings"

	"quire/internal/config"
	"quire/internal/errors"
)

type Permission uint8

const (
	Read Permission = 1 << iota
	Create
	Update
	Delete
	Publish
	Archive
	Upload
)

var permissionNames = []struct {
	perm Permission
	name string
}{
	{Read, "read"},
	{Create, "create"},
	{Update, "update"},
	{Delete, "delete"},
	{Publish, "publish"},
	{Archive, "archive"},
	{Upload, "upload"},
}

func (p Permission) String() string {
	var names []string
	for _, pn := range permissionNames {
		if p&pn.perm != 0 {
			names = append(names, pn.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// Grant is a set of permissions.
type Grant = Permission

// AllPermissions grants everything.
const AllPermissions Grant = Read | Create | Update | Delete | Publish | Archive | Upload

// ParseGrant reads permission names; "*" means all of them.
func ParseGrant(names []string) (Grant, error) {
	var g Grant
	for _, n := range names {
		if n == "*" {
			g |= AllPermissions
			continue
		}
		found := false
		for _, pn := range permissionNames {
			if pn.name == n {
				g |= pn.perm
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown permission %q", n)
		}
	}
	return g, nil
}

// Mode is the direction grants travel through the tag hierarchy.
type Mode string

const (
	// Down: a grant on a tag also covers every tag below it.
	Down Mode = "down"
	// Up: a tag with a granted tag below it becomes readable.
	Up Mode = "up"
	// Both applies Down and Up.
	Both Mode = "both"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case Down, Up, Both:
		return Mode(s), nil
	case "":
		return Both, nil
	}
	return "", fmt.Errorf("unknown inheritance mode %q", s)
}

// TagFunc returns the tags above tag, nearest first.
type TagFunc func(tag string) []string

// Builder collects a role's grants.
type Builder struct {
	all     Grant
	entries map[string]Grant
}

func NewBuilder() *Builder {
	return &Builder{entries: map[string]Grant{}}
}

// ApplyAll grants g on every tag.
func (b *Builder) ApplyAll(g Grant) *Builder {
	b.all |= g
	return b
}

// ApplyEntry grants g on tag.
func (b *Builder) ApplyEntry(tag string, g Grant) *Builder {
	b.entries[tag] |= g
	return b
}

// Build freezes the grants. tags is consulted now for upward visibility and
// later, on each check, for downward inheritance.
func (b *Builder) Build(tags TagFunc, mode Mode) *Policy {
	if mode == "" {
		mode = Both
	}
	p := &Policy{
		all:     b.all,
		entries: maps.Clone(b.entries),
		tags:    tags,
		mode:    mode,
		visible: map[string]bool{},
	}
	if mode != Down && tags != nil {
		for tag, g := range p.entries {
			if g == 0 {
				continue
			}
			for _, anc := range tags(tag) {
				p.visible[anc] = true
			}
		}
	}
	return p
}

// FromRole builds a policy from configuration.
func FromRole(role config.RoleConfig, tags TagFunc, mode Mode) (*Policy, error) {
	b := NewBuilder()
	all, err := ParseGrant(role.All)
	if err != nil {
		return nil, err
	}
	b.ApplyAll(all)
	for tag, names := range role.Entries {
		g, err := ParseGrant(names)
		if err != nil {
			return nil, fmt.Errorf("tag %s: %w", tag, err)
		}
		b.ApplyEntry(tag, g)
	}
	return b.Build(tags, mode), nil
}

// Policy is an immutable set of decisions. The zero value allows nothing.
type Policy struct {
	all     Grant
	entries map[string]Grant
	tags    TagFunc
	mode    Mode
	visible map[string]bool
}

// AllowNone permits nothing.
var AllowNone = &Policy{}

// AllowAll permits everything.
var AllowAll = NewBuilder().ApplyAll(AllPermissions).Build(nil, Both)

// Can reports whether every permission in perm is allowed on tag. Grants
// reaching tag from different places combine.
func (p *Policy) Can(perm Permission, tag string) bool {
	if p == nil {
		return false
	}
	return p.granted(tag)&perm == perm
}

// granted merges everything that applies to tag.
func (p *Policy) granted(tag string) Grant {
	g := p.all | p.entries[tag]
	if (p.mode == Down || p.mode == Both) && p.tags != nil {
		for _, anc := range p.tags(tag) {
			g |= p.entries[anc]
		}
	}
	if p.visible[tag] {
		g |= Read
	}
	return g
}

func (p *Policy) CanRead(tag string) bool    { return p.Can(Read, tag) }
func (p *Policy) CanCreate(tag string) bool  { return p.Can(Create, tag) }
func (p *Policy) CanUpdate(tag string) bool  { return p.Can(Update, tag) }
func (p *Policy) CanDelete(tag string) bool  { return p.Can(Delete, tag) }
func (p *Policy) CanPublish(tag string) bool { return p.Can(Publish, tag) }
func (p *Policy) CanArchive(tag string) bool { return p.Can(Archive, tag) }
func (p *Policy) CanUpload(tag string) bool  { return p.Can(Upload, tag) }

// Check is Can as an error.
func (p *Policy) Check(perm Permission, tag string) error {
	if p.Can(perm, tag) {
		return nil
	}
	return errors.PermissionDenied(fmt.Sprintf("%s not allowed on %s", perm, tag),
		map[string]string{"permission": perm.String(), "tag": tag})
}
