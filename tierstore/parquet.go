package tierstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"unicode"

	"github.com/danthegoodman1/tierdb/parquet_accumulator"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"
)

// encodeParquet renders rows into a parquet buffer, inferring the schema from
// the rows themselves.
func encodeParquet(rows []map[string]any) (*bytes.Buffer, error) {
	accumulator := parquet_accumulator.NewParquetAccumulator()
	for _, row := range rows {
		accumulator.WriteRow(row)
	}
	parquetSchema, err := accumulator.GetSchemaString()
	if err != nil {
		return nil, fmt.Errorf("error in GetSchemaString: %w", err)
	}

	var b bytes.Buffer
	pw, err := writer.NewJSONWriterFromWriter(parquetSchema, &b, 4)
	if err != nil {
		return nil, fmt.Errorf("error in NewJSONWriterFromWriter: %w", err)
	}
	for _, row := range rows {
		rowBytes, err := json.Marshal(row)
		if err != nil {
			return nil, fmt.Errorf("error in json.Marshal of row: %w", err)
		}
		if err := pw.Write(string(rowBytes)); err != nil {
			return nil, fmt.Errorf("error in pw.Write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("error in pw.WriteStop: %w", err)
	}
	return &b, nil
}

// decodeParquet reads every row back out of a parquet file. parquet-go hands
// rows back as structs whose field names are the column names with the first
// rune uppercased, so it is lowered again here. Column names are expected to
// start lowercase.
func decodeParquet(fr source.ParquetFile) ([]map[string]any, error) {
	pr, err := reader.NewParquetReader(fr, nil, 4)
	if err != nil {
		return nil, fmt.Errorf("error in NewParquetReader: %w", err)
	}
	defer pr.ReadStop()

	numRows := int(pr.GetNumRows())
	structRows, err := pr.ReadByNumber(numRows)
	if err != nil {
		return nil, fmt.Errorf("error in ReadByNumber: %w", err)
	}

	rows := make([]map[string]any, 0, numRows)
	for _, item := range structRows {
		rowMap := make(map[string]any)
		v := reflect.ValueOf(item)
		typeOf := v.Type()
		for i := 0; i < v.NumField(); i++ {
			rowMap[lowerFirst(typeOf.Field(i).Name)] = deref(v.Field(i).Interface())
		}
		rows = append(rows, rowMap)
	}
	return rows, nil
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToLower(r[0])
	return string(r)
}

// deref unwraps the pointer values parquet-go produces for optional fields
func deref(v any) any {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil
		}
		return rv.Elem().Interface()
	}
	return v
}
