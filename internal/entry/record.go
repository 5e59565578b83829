package entry

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/gowebpki/jcs"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"quire/internal/errors"
	"quire/internal/fractional"
)

// Metadata keys stored alongside data in every entry file.
const (
	KeyID     = "_id"
	KeyType   = "_type"
	KeyIndex  = "_index"
	KeyShared = "_shared"
)

const metaSchemaURL = "https://quire.local/schemas/entry-meta.json"

const metaSchema = `{
  "type": "object",
  "required": ["_id", "_type", "_index"],
  "properties": {
    "_id": {"type": "string", "minLength": 1, "pattern": "^[A-Za-z0-9_-]+$"},
    "_type": {"type": "string", "minLength": 1},
    "_index": {"type": "string", "minLength": 1},
    "_shared": {"type": "boolean"}
  }
}`

var compiledMeta = func() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(metaSchemaURL, strings.NewReader(metaSchema)); err != nil {
		panic(err)
	}
	return c.MustCompile(metaSchemaURL)
}()

// ValidateRecord checks a record's metadata keys.
func ValidateRecord(rec map[string]any) error {
	if err := compiledMeta.Validate(any(rec)); err != nil {
		return err
	}
	return fractional.Validate(rec[KeyIndex].(string))
}

// Parse decodes one entry file. Failures are MalformedContent errors naming
// the file.
func Parse(loc Location, filePath string, data []byte, reg *Registry) (*Entry, error) {
	loader, ok := reg.Get(loc.Ext)
	if !ok {
		return nil, ErrNotEntry
	}
	rec, err := loader.Parse(data)
	if err != nil {
		return nil, errors.Malformed(filePath, err)
	}
	if err := ValidateRecord(rec); err != nil {
		return nil, errors.Malformed(filePath, err)
	}
	rowHash, err := RowHash(rec)
	if err != nil {
		return nil, errors.Malformed(filePath, err)
	}

	e := &Entry{
		ID:        rec[KeyID].(string),
		Type:      rec[KeyType].(string),
		Index:     rec[KeyIndex].(string),
		Locale:    loc.Locale,
		Status:    loc.Status,
		Workspace: loc.Workspace,
		Root:      loc.Root,
		Parents:   loc.Parents,
		Slug:      loc.Slug,
		Ext:       loc.Ext,
		FilePath:  filePath,
		RowHash:   rowHash,
		Data:      make(map[string]any, len(rec)),
	}
	if shared, ok := rec[KeyShared].(bool); ok {
		e.Shared = shared
	}
	for k, v := range rec {
		switch k {
		case KeyID, KeyType, KeyIndex, KeyShared:
		default:
			e.Data[k] = v
		}
	}
	return e, nil
}

// Format encodes an entry with the loader for its extension.
func Format(e *Entry, reg *Registry) ([]byte, error) {
	loader, ok := reg.Get(e.Ext)
	if !ok {
		return nil, errors.ValidationError(fmt.Sprintf("no loader for .%s", e.Ext), nil)
	}
	data, err := loader.Format(e.Record())
	if err != nil {
		return nil, errors.Internal("format entry", err)
	}
	return data, nil
}

// RowHash is an xxhash64 of the record's canonical JSON form, so
// formatting differences between files do not change it.
func RowHash(rec map[string]any) (string, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(xxhash.Sum64(canonical), 16), nil
}
