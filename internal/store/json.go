package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/xeipuuv/gojsonschema"
)

// ReadResult distinguishes "absent", "corrupt", and "present" without
// forcing every caller to special-case os.IsNotExist and json errors
// separately — the spec treats both as distinct sentinels the caller
// decides how to handle.
type ReadResult int

const (
	ReadOK ReadResult = iota
	ReadAbsent
	ReadCorrupt
)

// WriteJSON writes v to path atomically: marshal, write to path+".tmp",
// rename over path. Rename is atomic on POSIX filesystems, so a reader
// never observes a partially written document.
func WriteJSON(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: mkdir %s: %v", ErrInternal, filepath.Dir(path), err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal %s: %v", ErrInternal, path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrInternal, tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: rename %s: %v", ErrInternal, path, err)
	}
	return nil
}

// ReadJSON reads path into v, returning the ReadResult sentinel instead of
// an error for the common "missing" and "unparseable" cases. Any other
// error (permission, I/O) is returned as err with ReadOK as the result,
// so callers only need to branch on result when err is nil.
//
// An optional JSON schema can be passed as the third argument (schema[0]):
// when given, a document that parses fine as JSON but violates the schema
// is also reported as ReadCorrupt (§7 Corrupt taxonomy — a document that
// cannot be trusted to carry the invariants the rest of the core assumes
// is corrupt, whether or not it's valid JSON).
func ReadJSON(path string, v interface{}, schema ...string) (ReadResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ReadAbsent, nil
		}
		return ReadOK, fmt.Errorf("%w: read %s: %v", ErrInternal, path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		log.WithFields(log.Fields{"path": path, "error": err}).Warn("document failed to parse, treating as corrupt")
		return ReadCorrupt, nil
	}
	if len(schema) > 0 && schema[0] != "" {
		valid, err := ValidateSchema(schema[0], data)
		if err != nil {
			return ReadOK, err
		}
		if !valid {
			log.WithFields(log.Fields{"path": path}).Warn("document failed schema validation, treating as corrupt")
			return ReadCorrupt, nil
		}
	}
	return ReadOK, nil
}

// ValidateSchema runs raw JSON bytes against an embedded JSON schema. A
// document that parses fine as JSON but violates the schema is treated
// as corrupt too (see SPEC_FULL domain-stack notes on gojsonschema) — it
// cannot be trusted to carry the invariants the rest of the core assumes.
func ValidateSchema(schema string, data []byte) (bool, error) {
	schemaLoader := gojsonschema.NewStringLoader(schema)
	docLoader := gojsonschema.NewBytesLoader(data)
	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return false, fmt.Errorf("%w: schema validation: %v", ErrInternal, err)
	}
	return result.Valid(), nil
}
