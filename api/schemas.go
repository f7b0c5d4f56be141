package api

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Embedded request schemas, versioned with the API. Bodies are validated
// against these before they are decoded into typed structs, so malformed
// requests fail with a 400 naming the violation instead of a zero-valued
// field reaching the orchestrator.
const (
	documentSchema = `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["document_id", "file_path"],
		"properties": {
			"document_id": {"type": "string", "minLength": 1},
			"domain_id": {"type": "string"},
			"file_path": {"type": "string", "minLength": 1},
			"policy": {
				"type": "object",
				"properties": {
					"auto_approve_threshold": {"type": "number", "minimum": 0, "maximum": 10},
					"relevance_threshold": {"type": "number", "minimum": 0, "maximum": 10},
					"review_deadline": {"type": "integer", "minimum": 0}
				},
				"additionalProperties": false
			}
		},
		"additionalProperties": false
	}`

	questionSchema = `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["question_id", "question"],
		"properties": {
			"question_id": {"type": "string", "minLength": 1},
			"question": {"type": "string", "minLength": 1},
			"domain_id": {"type": "string"},
			"user_id": {"type": "string"}
		},
		"additionalProperties": false
	}`

	reviewSchema = `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["review_id", "reviewable_type", "reviewable_id"],
		"properties": {
			"review_id": {"type": "string", "minLength": 1},
			"reviewable_type": {"type": "string", "enum": ["document", "answer"]},
			"reviewable_id": {"type": "string", "minLength": 1},
			"domain_id": {"type": "string"}
		},
		"additionalProperties": false
	}`

	signalSchema = `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["signal_name"],
		"properties": {
			"signal_name": {"type": "string", "minLength": 1},
			"payload": {}
		},
		"additionalProperties": false
	}`
)

// schemaSet holds the compiled request schemas.
type schemaSet struct {
	document *jsonschema.Schema
	question *jsonschema.Schema
	review   *jsonschema.Schema
	signal   *jsonschema.Schema
}

func compileSchemas() (*schemaSet, error) {
	c := jsonschema.NewCompiler()
	sources := map[string]string{
		"document.json": documentSchema,
		"question.json": questionSchema,
		"review.json":   reviewSchema,
		"signal.json":   signalSchema,
	}
	compiled := make(map[string]*jsonschema.Schema, len(sources))
	for name, src := range sources {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(src)))
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", name, err)
		}
		if err := c.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", name, err)
		}
		sch, err := c.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		compiled[name] = sch
	}
	return &schemaSet{
		document: compiled["document.json"],
		question: compiled["question.json"],
		review:   compiled["review.json"],
		signal:   compiled["signal.json"],
	}, nil
}

// decodeValid validates body against the schema and decodes it into out.
func decodeValid(body []byte, schema *jsonschema.Schema, out any) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}
