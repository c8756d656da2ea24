package vlm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

func nullable(t string, extra map[string]any) map[string]any {
	m := map[string]any{"type": []string{t, "null"}}
	for k, v := range extra {
		m[k] = v
	}
	return m
}

// receiptSchema is the contract model output must meet after sanitizing. Every key is
// optional; absent and null both mean "not visible".
func receiptSchema() map[string]any {
	amount := nullable("number", nil)
	return map[string]any{
		"$schema":              "https://json-schema.org/draft/2020-12/schema",
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"vendor":         nullable("string", map[string]any{"maxLength": 255}),
			"date":           nullable("string", map[string]any{"pattern": `^\d{4}-\d{2}-\d{2}$`}),
			"total_amount":   amount,
			"currency":       nullable("string", map[string]any{"pattern": `^[A-Z]{3}$`}),
			"tax_amount":     amount,
			"tax_rate":       nullable("number", map[string]any{"minimum": 0, "maximum": 100}),
			"payment_method": nullable("string", nil),
			"receipt_number": nullable("string", nil),
			"category":       nullable("string", nil),
			"confidence":     nullable("number", map[string]any{"minimum": 0, "maximum": 1}),
			"line_items": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":     "object",
					"required": []string{"description", "total"},
					"properties": map[string]any{
						"description": map[string]any{"type": "string"},
						"quantity":    nullable("number", nil),
						"unit_price":  nullable("number", nil),
						"total":       map[string]any{"type": "number"},
					},
				},
			},
		},
	}
}

var (
	compileOnce    sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		b, err := json.Marshal(receiptSchema())
		if err != nil {
			compileErr = fmt.Errorf("marshal schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource("receipt.json", bytes.NewReader(b)); err != nil {
			compileErr = fmt.Errorf("add schema: %w", err)
			return
		}
		compiledSchema, compileErr = c.Compile("receipt.json")
	})
	return compiledSchema, compileErr
}

// validateDoc checks a document decoded with UseNumber against the receipt schema.
func validateDoc(doc any) error {
	s, err := schema()
	if err != nil {
		return err
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("json does not match schema: %w", err)
	}
	return nil
}
