package resolver

import (
	"fmt"

	"github.com/ohler55/ojg/jp"

	"quire/shared/utils"
)

// Selection produces one projected value for an entry.
type Selection interface {
	selection()
}

// Projection names the values to produce for an entry.
type Projection map[string]Selection

// Field reads a JSONPath from the entry document.
type Field struct {
	Path string
	expr jp.Expr
}

// Literal is a constant.
type Literal struct{ Value any }

// Nested projects the same entry into a sub-object.
type Nested struct{ Projection Projection }

// Link follows ids held in Field: a single id, a list of ids, or objects
// with an "_entry" id.
type Link struct {
	Field      string
	Projection Projection
}

// Children projects the entry's children in order.
type Children struct{ Projection Projection }

// Parent projects the entry's parent.
type Parent struct{ Projection Projection }

func (*Field) selection()   {}
func (Literal) selection()  {}
func (Nested) selection()   {}
func (Link) selection()     {}
func (Children) selection() {}
func (Parent) selection()   {}

// NewField compiles a field path such as "title" or "$.seo.description".
func NewField(path string) (*Field, error) {
	x, err := jp.ParseString(path)
	if err != nil {
		return nil, fmt.Errorf("field %q: %w", path, err)
	}
	return &Field{Path: path, expr: x}, nil
}

// ParseProjection builds a projection from plain values:
//
//	"title"                             field path
//	{"$literal": v}, numbers, bools     literal
//	{"$link": "author", "select": {...}} link
//	{"$children": {...}}                children
//	{"$parent": {...}}                  parent
//	any other object                    nested projection
func ParseProjection(raw map[string]any) (Projection, error) {
	p := Projection{}
	for _, k := range utils.SortedKeys(raw) {
		sel, err := parseSelection(raw[k])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		p[k] = sel
	}
	return p, nil
}

func parseSelection(v any) (Selection, error) {
	switch v := v.(type) {
	case string:
		return NewField(v)
	case map[string]any:
		if lit, ok := v["$literal"]; ok {
			return Literal{Value: lit}, nil
		}
		if field, ok := v["$link"]; ok {
			name, ok := field.(string)
			if !ok {
				return nil, fmt.Errorf("$link must name a field")
			}
			sub, err := subProjection(v["select"])
			if err != nil {
				return nil, err
			}
			return Link{Field: name, Projection: sub}, nil
		}
		if sel, ok := v["$children"]; ok {
			sub, err := subProjection(sel)
			if err != nil {
				return nil, err
			}
			return Children{Projection: sub}, nil
		}
		if sel, ok := v["$parent"]; ok {
			sub, err := subProjection(sel)
			if err != nil {
				return nil, err
			}
			return Parent{Projection: sub}, nil
		}
		sub, err := ParseProjection(v)
		if err != nil {
			return nil, err
		}
		return Nested{Projection: sub}, nil
	default:
		return Literal{Value: v}, nil
	}
}

func subProjection(v any) (Projection, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return ParseProjection(v)
	}
	return nil, fmt.Errorf("expected a selection object, got %T", v)
}
