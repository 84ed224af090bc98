/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package files

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/blnkfinance/courier/model"
	"github.com/shopspring/decimal"
)

// ErrSerialization marks a single record that could not be rendered. The record is left out of the
// file and the rest of the batch still ships.
var ErrSerialization = errors.New("record serialization failed")

// DefaultFields is the column layout used when a partner config does not list its own fields.
var DefaultFields = []model.FieldSpec{
	{Name: "transaction_id", Header: "Transaction ID", Width: 36, Required: true},
	{Name: "transaction_type", Header: "Type", Width: 16},
	{Name: "reference", Header: "Reference", Width: 32},
	{Name: "amount", Header: "Amount", Width: 20, Align: "right"},
	{Name: "currency", Header: "Currency", Width: 3},
	{Name: "created_at", Header: "Created At", Width: 25},
}

// Layout is the partner file shape taken from the integration config.
type Layout struct {
	Fields        []model.FieldSpec
	IncludeHeader bool
	Delimiter     string
}

// LayoutFor builds the layout of a partner config.
func LayoutFor(cfg *model.IntegrationConfig) Layout {
	fields := cfg.Fields
	if len(fields) == 0 {
		fields = DefaultFields
	}
	return Layout{Fields: fields, IncludeHeader: cfg.IncludeHeader, Delimiter: cfg.FieldDelimiter}
}

func (l Layout) headers() []string {
	headers := make([]string, len(l.Fields))
	for i, f := range l.Fields {
		headers[i] = f.Header
		if headers[i] == "" {
			headers[i] = f.Name
		}
	}
	return headers
}

// RecordError ties a rendering failure to the transaction that caused it.
type RecordError struct {
	TransactionID string
	Err           error
}

func (e RecordError) Error() string {
	return fmt.Sprintf("transaction %s: %v", e.TransactionID, e.Err)
}

func (e RecordError) Unwrap() error {
	return ErrSerialization
}

// Result is a rendered file. Written lists the transaction ids present in Content, in file order.
type Result struct {
	Content []byte
	Written []string
	Errors  []RecordError
}

// FailedIDs returns the ids of the records that were left out.
func (r *Result) FailedIDs() []string {
	ids := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		ids[i] = e.TransactionID
	}
	return ids
}

// Serializer renders records into one file format. Column order always follows layout.Fields.
// A returned error means the layout itself is unusable and no record could be written.
type Serializer interface {
	Serialize(records []model.TransactionRef, layout Layout) (*Result, error)
}

// For returns the serializer of a file format.
func For(format model.FileFormat) (Serializer, error) {
	switch format {
	case model.FileFormatCSV, "":
		return CSV{}, nil
	case model.FileFormatJSON:
		return JSON{}, nil
	case model.FileFormatXML:
		return XML{}, nil
	case model.FileFormatExcel:
		return Excel{}, nil
	case model.FileFormatFixedWidth:
		return FixedWidth{}, nil
	}
	return nil, fmt.Errorf("unsupported file format %q", format)
}

// renderRows turns every record into its cells, splitting off the ones that fail.
func renderRows(records []model.TransactionRef, layout Layout, check func(field model.FieldSpec, cell string) error) ([][]string, *Result) {
	result := &Result{}
	rows := make([][]string, 0, len(records))
	for i := range records {
		row, err := renderRecord(&records[i], layout.Fields, check)
		if err != nil {
			result.Errors = append(result.Errors, RecordError{TransactionID: records[i].TransactionID, Err: err})
			continue
		}
		rows = append(rows, row)
		result.Written = append(result.Written, records[i].TransactionID)
	}
	return rows, result
}

func renderRecord(ref *model.TransactionRef, fields []model.FieldSpec, check func(field model.FieldSpec, cell string) error) ([]string, error) {
	values := ref.Values()
	row := make([]string, len(fields))
	for i, field := range fields {
		cell, err := formatValue(values[field.Name])
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", field.Name, err)
		}
		if field.Required && cell == "" {
			return nil, fmt.Errorf("field %s is required", field.Name)
		}
		if check != nil {
			if err := check(field, cell); err != nil {
				return nil, err
			}
		}
		row[i] = cell
	}
	return row, nil
}

// formatValue renders a scalar. Amounts keep their exact decimal form.
func formatValue(v interface{}) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", nil
	case string:
		return val, nil
	case decimal.Decimal:
		return val.String(), nil
	case *decimal.Decimal:
		if val == nil {
			return "", nil
		}
		return val.String(), nil
	case json.Number:
		if d, err := decimal.NewFromString(val.String()); err == nil {
			return d.String(), nil
		}
		return val.String(), nil
	case float64:
		return decimal.NewFromFloat(val).String(), nil
	case float32:
		return decimal.NewFromFloat32(val).String(), nil
	case int:
		return strconv.Itoa(val), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case bool:
		return strconv.FormatBool(val), nil
	case time.Time:
		if val.IsZero() {
			return "", nil
		}
		return val.UTC().Format(time.RFC3339), nil
	case fmt.Stringer:
		return val.String(), nil
	}
	return "", fmt.Errorf("value of type %T is not a scalar", v)
}

// Archive keeps a copy of a generated file under dir, one folder per day.
func Archive(dir string, generatedAt time.Time, name string, content []byte) (string, error) {
	if dir == "" {
		return "", nil
	}
	folder := filepath.Join(dir, generatedAt.UTC().Format("2006-01-02"))
	if err := os.MkdirAll(folder, 0o750); err != nil {
		return "", err
	}
	path := filepath.Join(folder, filepath.Base(name))
	if err := os.WriteFile(path, content, 0o640); err != nil {
		return "", err
	}
	return path, nil
}

func hasLineBreak(s string) bool {
	return strings.ContainsAny(s, "\r\n")
}
