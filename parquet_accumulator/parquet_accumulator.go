package parquet_accumulator

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

type (
	// ParquetSchemaAccumulator builds a parquet-go JSON schema incrementally
	// from flattened rows, so a part's schema is the union of the columns its
	// rows actually carry.
	ParquetSchemaAccumulator struct {
		fields []*fieldSchema
	}

	fieldSchema struct {
		Name           string
		Type           string
		ConvertedType  string
		Encoding       string
		RepetitionType string
		Children       []*fieldSchema
	}

	jsonSchema struct {
		Tag    string        `json:",omitempty"`
		Fields []*jsonSchema `json:",omitempty"`
	}
)

func NewParquetAccumulator() ParquetSchemaAccumulator {
	return ParquetSchemaAccumulator{}
}

// WriteRow folds a row's columns into the accumulated schema. Types are
// inferred from the first non-nil value seen per column: JSON numbers are
// doubles, strings UTF8, slices lists.
func (pa *ParquetSchemaAccumulator) WriteRow(row map[string]any) {
	for key, val := range row {
		if pa.fieldExists(key) {
			continue
		}
		if field := fieldFor(key, val); field != nil {
			pa.fields = append(pa.fields, field)
		}
	}
}

func fieldFor(key string, item any) *fieldSchema {
	field := &fieldSchema{
		// raw key so the JSON writer matches row keys, parquet-go exports
		// the name itself on read-back
		Name:           key,
		RepetitionType: "OPTIONAL",
	}

	reflectType := reflect.TypeOf(item)
	if reflectType == nil {
		return nil
	}
	if reflectType.Kind() == reflect.Ptr {
		reflectType = reflectType.Elem()
	}

	switch {
	case reflectType.Kind() == reflect.Slice:
		val := reflect.ValueOf(item)
		if val.Len() == 0 {
			// can't infer the element type yet, wait for a later row
			return nil
		}
		element := fieldFor("Element", val.Index(0).Interface())
		if element == nil {
			return nil
		}
		field.Type = "LIST"
		field.Children = append(field.Children, element)
	case reflectType.Kind() == reflect.String:
		field.Type = "BYTE_ARRAY"
		field.ConvertedType = "UTF8"
		field.Encoding = "PLAIN"
	default:
		// JSON numbers all arrive as float64
		field.Type = "DOUBLE"
	}
	return field
}

func (pa *ParquetSchemaAccumulator) fieldExists(key string) bool {
	for _, field := range pa.fields {
		if field.Name == key {
			return true
		}
	}
	return false
}

func (pa *ParquetSchemaAccumulator) GetColumnNames() []string {
	var cols []string
	for _, field := range pa.fields {
		cols = append(cols, field.Name)
	}
	return cols
}

// GetColumnTypes returns `string`, `float`, or `list(x)` per column, same
// order as GetColumnNames.
func (pa *ParquetSchemaAccumulator) GetColumnTypes() []string {
	var cols []string
	for _, field := range pa.fields {
		cols = append(cols, field.logicalType())
	}
	return cols
}

func (fs *fieldSchema) logicalType() string {
	switch fs.Type {
	case "BYTE_ARRAY":
		return "string"
	case "LIST":
		return fmt.Sprintf("list(%s)", fs.Children[0].logicalType())
	default:
		return "float"
	}
}

func (fs *fieldSchema) toJSONSchema() *jsonSchema {
	var tagArr []string
	if fs.Type != "" {
		tagArr = append(tagArr, "type="+fs.Type)
	}
	if fs.ConvertedType != "" {
		tagArr = append(tagArr, "convertedtype="+fs.ConvertedType)
	}
	if fs.Encoding != "" {
		tagArr = append(tagArr, "encoding="+fs.Encoding)
	}
	tagArr = append(tagArr, "name="+fs.Name, "repetitiontype="+fs.RepetitionType)

	js := &jsonSchema{Tag: strings.Join(tagArr, ", ")}
	for _, child := range fs.Children {
		js.Fields = append(js.Fields, child.toJSONSchema())
	}
	return js
}

// GetSchemaString returns the JSON formatted schema string parquet-go's JSON
// writer consumes.
func (pa *ParquetSchemaAccumulator) GetSchemaString() (string, error) {
	root := jsonSchema{
		Tag: "name=parquet_go_root, repetitiontype=REQUIRED",
	}
	for _, field := range pa.fields {
		root.Fields = append(root.Fields, field.toJSONSchema())
	}
	b, err := json.Marshal(root)
	if err != nil {
		return "", fmt.Errorf("error in json.Marshal: %w", err)
	}
	return string(b), nil
}
