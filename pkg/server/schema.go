package server

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"path"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFiles embed.FS

// Request schemas, one per JSON endpoint.
const (
	schemaBrowse     = "browse.json"
	schemaLoadFiles  = "load-files.json"
	schemaLoadPath   = "load-path.json"
	schemaProjection = "projection.json"
	schemaGaussian   = "gaussian.json"
	schemaMTF        = "mtf.json"
)

// compileSchemas compiles every embedded request schema.
func compileSchemas() (map[string]*jsonschema.Schema, error) {
	entries, err := schemaFiles.ReadDir("schemas")
	if err != nil {
		return nil, err
	}

	schemas := make(map[string]*jsonschema.Schema, len(entries))
	for _, entry := range entries {
		data, err := schemaFiles.ReadFile(path.Join("schemas", entry.Name()))
		if err != nil {
			return nil, err
		}
		sch, err := jsonschema.CompileString(entry.Name(), string(data))
		if err != nil {
			return nil, fmt.Errorf("error compiling schema %s: %w", entry.Name(), err)
		}
		schemas[entry.Name()] = sch
	}
	return schemas, nil
}

// requestError is a client error in the request body itself.
type requestError struct {
	msg string
}

func (e *requestError) Error() string { return e.msg }

func badRequest(format string, args ...interface{}) error {
	return &requestError{msg: fmt.Sprintf(format, args...)}
}

// decodeBody validates the JSON body against the named schema and decodes
// it into dst.
func (s *Server) decodeBody(r io.Reader, schema string, dst interface{}) error {
	body, err := readBody(r)
	if err != nil {
		return err
	}

	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return badRequest("malformed JSON: %v", err)
	}
	return s.validateAndDecode(body, doc, schema, dst)
}

// decodeUpload is decodeBody for file uploads. The schema only sees the
// request envelope: every files[].data value is replaced by an empty value of
// the same JSON type, so the contents are decoded once, straight into dst.
func (s *Server) decodeUpload(r io.Reader, dst *loadFilesRequest) error {
	body, err := readBody(r)
	if err != nil {
		return err
	}
	doc, err := uploadEnvelope(body)
	if err != nil {
		return badRequest("malformed JSON: %v", err)
	}
	return s.validateAndDecode(body, doc, schemaLoadFiles, dst)
}

func (s *Server) validateAndDecode(body []byte, doc interface{}, schema string, dst interface{}) error {
	if err := s.schemas[schema].Validate(doc); err != nil {
		return badRequest("invalid request: %v", err)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return badRequest("invalid request: %v", err)
	}
	return nil
}

func readBody(r io.Reader) ([]byte, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, badRequest("error reading request body: %v", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}
	return body, nil
}

// uploadEnvelope builds the document validated for an upload body.
func uploadEnvelope(body []byte) (interface{}, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil {
		// not an object; small enough to hand to the schema as is
		return genericValue(body)
	}

	doc := make(map[string]interface{}, len(top))
	for key, raw := range top {
		if key != "files" {
			v, err := genericValue(raw)
			if err != nil {
				return nil, err
			}
			doc[key] = v
			continue
		}

		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			v, err := genericValue(raw)
			if err != nil {
				return nil, err
			}
			doc[key] = v
			continue
		}

		files := make([]interface{}, len(items))
		for i, item := range items {
			var fields map[string]json.RawMessage
			if err := json.Unmarshal(item, &fields); err != nil {
				v, err := genericValue(item)
				if err != nil {
					return nil, err
				}
				files[i] = v
				continue
			}

			file := make(map[string]interface{}, len(fields))
			for name, value := range fields {
				if name == "data" {
					if stub, ok := emptyOfType(value); ok {
						file[name] = stub
						continue
					}
				}
				v, err := genericValue(value)
				if err != nil {
					return nil, err
				}
				file[name] = v
			}
			files[i] = file
		}
		doc[key] = files
	}
	return doc, nil
}

// emptyOfType returns an empty string or array matching raw's JSON type.
func emptyOfType(raw json.RawMessage) (interface{}, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, false
	}
	switch trimmed[0] {
	case '"':
		return "", true
	case '[':
		return []interface{}{}, true
	}
	return nil, false
}

func genericValue(raw []byte) (interface{}, error) {
	var v interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
