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
	"encoding/json"
	"encoding/xml"
	"fmt"
	"regexp"
	"unicode/utf8"

	"github.com/blnkfinance/courier/model"
)

// JSON writes an array of objects whose keys follow the layout order. Values are strings so
// amounts never lose precision on the partner side.
type JSON struct{}

func (JSON) Serialize(records []model.TransactionRef, layout Layout) (*Result, error) {
	keys := make([][]byte, len(layout.Fields))
	for i, f := range layout.Fields {
		k, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		keys[i] = k
	}

	rows, result := renderRows(records, layout, nil)

	var buf bytes.Buffer
	buf.WriteString("[")
	for r, row := range rows {
		if r > 0 {
			buf.WriteString(",")
		}
		buf.WriteString("\n  {")
		for i, cell := range row {
			if i > 0 {
				buf.WriteString(", ")
			}
			v, err := json.Marshal(cell)
			if err != nil {
				return nil, err
			}
			buf.Write(keys[i])
			buf.WriteString(": ")
			buf.Write(v)
		}
		buf.WriteString("}")
	}
	if len(rows) > 0 {
		buf.WriteString("\n")
	}
	buf.WriteString("]\n")
	result.Content = buf.Bytes()
	return result, nil
}

var xmlName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.-]*$`)

// XML writes <Batch><Record>...</Record></Batch> with one child element per field.
type XML struct{}

func (XML) Serialize(records []model.TransactionRef, layout Layout) (*Result, error) {
	for _, f := range layout.Fields {
		if !xmlName.MatchString(f.Name) {
			return nil, fmt.Errorf("field name %q is not a valid XML element name", f.Name)
		}
	}

	rows, result := renderRows(records, layout, xmlCell)

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")

	batch := xml.StartElement{Name: xml.Name{Local: "Batch"}}
	if err := enc.EncodeToken(batch); err != nil {
		return nil, err
	}
	for _, row := range rows {
		record := xml.StartElement{Name: xml.Name{Local: "Record"}}
		if err := enc.EncodeToken(record); err != nil {
			return nil, err
		}
		for i, cell := range row {
			el := xml.StartElement{Name: xml.Name{Local: layout.Fields[i].Name}}
			if err := enc.EncodeElement(cell, el); err != nil {
				return nil, err
			}
		}
		if err := enc.EncodeToken(record.End()); err != nil {
			return nil, err
		}
	}
	if err := enc.EncodeToken(batch.End()); err != nil {
		return nil, err
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	buf.WriteString("\n")
	result.Content = buf.Bytes()
	return result, nil
}

// xmlCell refuses text the encoder would otherwise swap for U+FFFD: invalid UTF-8 and
// characters outside the XML 1.0 Char production.
func xmlCell(field model.FieldSpec, cell string) error {
	for i, r := range cell {
		if r == utf8.RuneError {
			if _, size := utf8.DecodeRuneInString(cell[i:]); size == 1 {
				return fmt.Errorf("field %s is not valid UTF-8 at byte %d", field.Name, i)
			}
		}
		if !isXMLChar(r) {
			return fmt.Errorf("field %s contains %U, which XML cannot carry", field.Name, r)
		}
	}
	return nil
}

func isXMLChar(r rune) bool {
	switch {
	case r == 0x09 || r == 0x0A || r == 0x0D:
		return true
	case r >= 0x20 && r <= 0xD7FF:
		return true
	case r >= 0xE000 && r <= 0xFFFD:
		return true
	case r >= 0x10000 && r <= utf8.MaxRune:
		return true
	}
	return false
}
