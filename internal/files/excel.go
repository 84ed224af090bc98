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
	"fmt"

	"github.com/blnkfinance/courier/model"
	"github.com/xuri/excelize/v2"
)

// ExcelSheet is the name of the single worksheet in generated workbooks.
const ExcelSheet = "Batch"

// excelCellLimit is the longest text a worksheet cell holds.
const excelCellLimit = 32767

// Excel writes an xlsx workbook with one row per record. Cells are stored as text.
type Excel struct{}

func (Excel) Serialize(records []model.TransactionRef, layout Layout) (*Result, error) {
	rows, result := renderRows(records, layout, func(field model.FieldSpec, cell string) error {
		if len(cell) > excelCellLimit {
			return fmt.Errorf("field %s exceeds the %d character cell limit", field.Name, excelCellLimit)
		}
		return nil
	})

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", ExcelSheet); err != nil {
		return nil, fmt.Errorf("failed to name sheet: %w", err)
	}

	next := 1
	if layout.IncludeHeader {
		if err := setRow(f, next, layout.headers()); err != nil {
			return nil, err
		}
		next++
	}
	for _, row := range rows {
		if err := setRow(f, next, row); err != nil {
			return nil, err
		}
		next++
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to write xlsx: %w", err)
	}
	result.Content = buf.Bytes()
	return result, nil
}

func setRow(f *excelize.File, rowNum int, cells []string) error {
	cell, err := excelize.CoordinatesToCellName(1, rowNum)
	if err != nil {
		return err
	}
	values := make([]interface{}, len(cells))
	for i, c := range cells {
		values[i] = c
	}
	return f.SetSheetRow(ExcelSheet, cell, &values)
}
