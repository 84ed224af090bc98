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
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/blnkfinance/courier/model"
)

// CSV writes delimiter separated rows. The delimiter defaults to a comma.
type CSV struct{}

func (CSV) Serialize(records []model.TransactionRef, layout Layout) (*Result, error) {
	comma, err := delimiterRune(layout.Delimiter)
	if err != nil {
		return nil, err
	}

	rows, result := renderRows(records, layout, nil)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Comma = comma
	if layout.IncludeHeader {
		if err := w.Write(layout.headers()); err != nil {
			return nil, err
		}
	}
	if err := w.WriteAll(rows); err != nil {
		return nil, err
	}
	result.Content = buf.Bytes()
	return result, nil
}

func delimiterRune(delimiter string) (rune, error) {
	switch delimiter {
	case "":
		return ',', nil
	case `\t`, "tab", "TAB":
		return '\t', nil
	}
	if utf8.RuneCountInString(delimiter) != 1 {
		return 0, fmt.Errorf("field delimiter %q must be a single character", delimiter)
	}
	r, _ := utf8.DecodeRuneInString(delimiter)
	if r == '"' || r == '\r' || r == '\n' || r == utf8.RuneError {
		return 0, fmt.Errorf("field delimiter %q is not allowed", delimiter)
	}
	return r, nil
}

// FixedWidth writes one positional line per record. Values longer than their column fail the record.
type FixedWidth struct{}

func (FixedWidth) Serialize(records []model.TransactionRef, layout Layout) (*Result, error) {
	for _, f := range layout.Fields {
		if f.Width <= 0 {
			return nil, fmt.Errorf("fixed-width field %s has no width", f.Name)
		}
	}

	rows, result := renderRows(records, layout, func(field model.FieldSpec, cell string) error {
		if hasLineBreak(cell) {
			return fmt.Errorf("field %s contains a line break", field.Name)
		}
		if n := utf8.RuneCountInString(cell); n > field.Width {
			return fmt.Errorf("field %s is %d characters wide, column allows %d", field.Name, n, field.Width)
		}
		return nil
	})

	var buf bytes.Buffer
	if layout.IncludeHeader {
		buf.WriteString(padLine(layout.Fields, truncateAll(layout.headers(), layout.Fields)))
	}
	for _, row := range rows {
		buf.WriteString(padLine(layout.Fields, row))
	}
	result.Content = buf.Bytes()
	return result, nil
}

func padLine(fields []model.FieldSpec, cells []string) string {
	var b strings.Builder
	for i, f := range fields {
		pad := strings.Repeat(" ", f.Width-utf8.RuneCountInString(cells[i]))
		if strings.EqualFold(f.Align, "right") {
			b.WriteString(pad + cells[i])
		} else {
			b.WriteString(cells[i] + pad)
		}
	}
	b.WriteString("\r\n")
	return b.String()
}

// truncateAll cuts header labels to their column width.
func truncateAll(cells []string, fields []model.FieldSpec) []string {
	out := make([]string, len(cells))
	for i, c := range cells {
		if r := []rune(c); len(r) > fields[i].Width {
			c = string(r[:fields[i].Width])
		}
		out[i] = c
	}
	return out
}
