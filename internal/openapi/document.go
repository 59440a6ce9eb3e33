// Package openapi loads the assetflow API description, indexes its
// operations, and validates request bodies against their schemas.
package openapi

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/pitabwire/assetflow/model"
)

//go:embed assetflow.yaml
var assetflowYAML []byte

var pathParam = regexp.MustCompile(`\{[^}]*\}`)

// Operation is one indexed API operation.
type Operation struct {
	ID     string
	Method string
	Path   string

	body *openapi3.RequestBody
}

// HasBody reports whether the operation declares a JSON request body.
func (o Operation) HasBody() bool {
	return o.schema() != nil
}

func (o Operation) schema() *openapi3.Schema {
	if o.body == nil {
		return nil
	}
	mt := o.body.Content.Get("application/json")
	if mt == nil || mt.Schema == nil {
		return nil
	}
	return mt.Schema.Value
}

// Document is a loaded, validated API description.
type Document struct {
	doc  *openapi3.T
	json []byte
	ops  map[string]Operation
	// method + normalized path -> operation id
	routes map[string]string
}

// Load parses the embedded assetflow API description.
func Load() (*Document, error) {
	return Parse(assetflowYAML)
}

// Parse loads an API description from YAML or JSON and indexes every
// operation that carries an operationId.
func Parse(data []byte) (*Document, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromData(data)
	if err != nil {
		return nil, fmt.Errorf("openapi: loading: %w", err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("openapi: validating: %w", err)
	}
	raw, err := doc.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("openapi: encoding: %w", err)
	}

	d := &Document{doc: doc, json: raw, ops: make(map[string]Operation), routes: make(map[string]string)}
	for path, item := range doc.Paths.Map() {
		for method, op := range item.Operations() {
			if op.OperationID == "" {
				continue
			}
			if _, dup := d.ops[op.OperationID]; dup {
				return nil, fmt.Errorf("openapi: duplicate operationId %q", op.OperationID)
			}
			o := Operation{ID: op.OperationID, Method: method, Path: path}
			if op.RequestBody != nil {
				o.body = op.RequestBody.Value
			}
			d.ops[o.ID] = o
			d.routes[routeKey(method, path)] = o.ID
		}
	}
	return d, nil
}

func routeKey(method, path string) string {
	return strings.ToUpper(method) + " " + pathParam.ReplaceAllString(path, "{}")
}

// Version returns the API version declared in the document.
func (d *Document) Version() string {
	return d.doc.Info.Version
}

// Operation returns the operation with the given id.
func (d *Document) Operation(id string) (Operation, bool) {
	op, ok := d.ops[id]
	return op, ok
}

// Lookup finds the operation served at method and path template. Path
// parameter names are ignored, so "/v1/assets/{id}" matches
// "/v1/assets/{assetId}".
func (d *Document) Lookup(method, path string) (Operation, bool) {
	id, ok := d.routes[routeKey(method, path)]
	if !ok {
		return Operation{}, false
	}
	return d.ops[id], true
}

// OperationIDs returns every operation id, sorted.
func (d *Document) OperationIDs() []string {
	ids := make([]string, 0, len(d.ops))
	for id := range d.ops {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ValidateBody checks raw against the request body schema of the operation.
// An empty body is accepted when the body is optional. It returns nil when
// the body is valid.
func (d *Document) ValidateBody(operationID string, raw []byte) []model.FieldError {
	op, ok := d.ops[operationID]
	if !ok {
		return []model.FieldError{{Field: "", Code: "UNKNOWN_OPERATION", Message: fmt.Sprintf("operation %q is not described", operationID)}}
	}
	schema := op.schema()
	if schema == nil {
		return nil
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		if op.body.Required {
			return []model.FieldError{{Field: "body", Code: "REQUIRED", Message: "request body is required"}}
		}
		return nil
	}

	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return []model.FieldError{{Field: "body", Code: "MALFORMED", Message: "request body is not valid JSON"}}
	}
	err := schema.VisitJSON(value, openapi3.MultiErrors())
	if err == nil {
		return nil
	}
	var out []model.FieldError
	collect(err, &out)
	return out
}

func collect(err error, out *[]model.FieldError) {
	switch e := err.(type) {
	case openapi3.MultiError:
		for _, inner := range e {
			collect(inner, out)
		}
	case *openapi3.SchemaError:
		*out = append(*out, model.FieldError{
			Field:   strings.Join(e.JSONPointer(), "."),
			Code:    codeFor(e.SchemaField),
			Message: e.Reason,
		})
	default:
		*out = append(*out, model.FieldError{Field: "body", Code: "INVALID", Message: err.Error()})
	}
}

func codeFor(schemaField string) string {
	switch schemaField {
	case "required":
		return "REQUIRED"
	case "type":
		return "TYPE"
	case "maxLength", "minLength", "minimum", "maximum", "minItems", "maxItems":
		return "OUT_OF_RANGE"
	default:
		return "INVALID"
	}
}

// ServeHTTP serves the document as JSON.
func (d *Document) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=300")
	w.WriteHeader(http.StatusOK)
	w.Write(d.json)
}
