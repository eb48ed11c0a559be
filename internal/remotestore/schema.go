package remotestore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const documentSchemaURL = "https://paksync.local/schema/document.json"

const documentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["game", "name", "_attachments"],
  "properties": {
    "_id": {"type": "string", "minLength": 1},
    "_rev": {"type": "string"},
    "game": {"type": "string", "pattern": "^[A-Za-z0-9]{6,12}$"},
    "name": {"type": "string", "maxLength": 64},
    "format": {"enum": ["cartridge", "controller-pak", "dexdrive", "note", "unknown"]},
    "region": {"enum": ["USA", "JPN", "PAL", "unknown"]},
    "index": {"type": "integer", "minimum": -1, "maximum": 15},
    "header": {"type": "string"},
    "comment": {"type": "string", "maxLength": 255},
    "metadata": {
      "type": "object",
      "properties": {
        "play_time_seconds": {"type": "integer", "minimum": 0},
        "day": {"type": "integer"},
        "deaths": {"type": "integer", "minimum": 0},
        "gold": {"type": "integer", "minimum": 0},
        "times_saved": {"type": "integer", "minimum": 0},
        "checksum_ok": {"type": "boolean"},
        "active_files": {"type": "integer", "minimum": 0}
      }
    },
    "_attachments": {
      "type": "object",
      "required": ["save.bin"],
      "additionalProperties": {
        "type": "object",
        "required": ["content_type"],
        "properties": {
          "content_type": {"type": "string"},
          "data": {"type": "string", "minLength": 1},
          "length": {"type": "integer", "minimum": 0},
          "stub": {"type": "boolean"}
        }
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func loadSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(documentSchema))
		if err != nil {
			schemaErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(documentSchemaURL, doc); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = c.Compile(documentSchemaURL)
	})
	return compiledSchema, schemaErr
}

// ValidateJSON checks raw document JSON against the document schema.
func ValidateJSON(raw []byte) error {
	sch, err := loadSchema()
	if err != nil {
		return fmt.Errorf("document schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

func ValidateDocument(doc Document) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return ValidateJSON(raw)
}
