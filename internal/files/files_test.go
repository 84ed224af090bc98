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
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/blnkfinance/courier/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

var created = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

func sampleRecords() []model.TransactionRef {
	return []model.TransactionRef{
		{
			TransactionID:   "txn_1",
			TransactionType: model.TransactionTypeSubscription,
			Reference:       "REF-1",
			Amount:          decimal.RequireFromString("1500.25"),
			Currency:        "PHP",
			Payload:         map[string]interface{}{"account_no": "AC-001", "units": json.Number("12.5")},
			CreatedAt:       created,
		},
		{
			TransactionID:   "txn_2",
			TransactionType: model.TransactionTypeSubscription,
			Reference:       "REF-2",
			Amount:          decimal.RequireFromString("0.1"),
			Currency:        "PHP",
			Payload:         map[string]interface{}{"account_no": "AC-002", "units": json.Number("3")},
			CreatedAt:       created,
		},
	}
}

var layoutFields = []model.FieldSpec{
	{Name: "transaction_id", Header: "ID", Width: 8, Required: true},
	{Name: "account_no", Header: "Account", Width: 8, Required: true},
	{Name: "amount", Header: "Amount", Width: 10, Align: "right"},
	{Name: "units", Width: 6, Align: "right"},
}

func TestFor(t *testing.T) {
	for _, f := range []model.FileFormat{model.FileFormatCSV, model.FileFormatJSON, model.FileFormatXML, model.FileFormatExcel, model.FileFormatFixedWidth} {
		s, err := For(f)
		assert.NoError(t, err)
		assert.NotNil(t, s)
	}
	_, err := For("PDF")
	assert.Error(t, err)
}

func TestLayoutFor_DefaultsFields(t *testing.T) {
	layout := LayoutFor(&model.IntegrationConfig{IncludeHeader: true, FieldDelimiter: "|"})
	assert.Equal(t, DefaultFields, layout.Fields)
	assert.True(t, layout.IncludeHeader)
	assert.Equal(t, "|", layout.Delimiter)
}

func TestCSV_ColumnOrderAndHeader(t *testing.T) {
	result, err := CSV{}.Serialize(sampleRecords(), Layout{Fields: layoutFields, IncludeHeader: true})
	require.NoError(t, err)

	expected := "ID,Account,Amount,units\n" +
		"txn_1,AC-001,1500.25,12.5\n" +
		"txn_2,AC-002,0.1,3\n"
	assert.Equal(t, expected, string(result.Content))
	assert.Equal(t, []string{"txn_1", "txn_2"}, result.Written)
	assert.Empty(t, result.Errors)
}

func TestCSV_CustomDelimiter(t *testing.T) {
	result, err := CSV{}.Serialize(sampleRecords()[:1], Layout{Fields: layoutFields, Delimiter: "|"})
	require.NoError(t, err)
	assert.Equal(t, "txn_1|AC-001|1500.25|12.5\n", string(result.Content))

	result, err = CSV{}.Serialize(sampleRecords()[:1], Layout{Fields: layoutFields, Delimiter: `\t`})
	require.NoError(t, err)
	assert.Equal(t, "txn_1\tAC-001\t1500.25\t12.5\n", string(result.Content))

	_, err = CSV{}.Serialize(sampleRecords(), Layout{Fields: layoutFields, Delimiter: "||"})
	assert.Error(t, err)
}

func TestCSV_PartialFailure(t *testing.T) {
	records := sampleRecords()
	delete(records[0].Payload, "account_no")

	result, err := CSV{}.Serialize(records, Layout{Fields: layoutFields})
	require.NoError(t, err)

	assert.Equal(t, "txn_2,AC-002,0.1,3\n", string(result.Content))
	assert.Equal(t, []string{"txn_2"}, result.Written)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "txn_1", result.Errors[0].TransactionID)
	assert.True(t, errors.Is(result.Errors[0], ErrSerialization))
	assert.Equal(t, []string{"txn_1"}, result.FailedIDs())
}

func TestCSV_NonScalarFails(t *testing.T) {
	records := sampleRecords()
	records[1].Payload["units"] = map[string]interface{}{"nested": true}

	result, err := CSV{}.Serialize(records, Layout{Fields: layoutFields})
	require.NoError(t, err)
	assert.Equal(t, []string{"txn_1"}, result.Written)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Error(), "field units")
}

func TestFixedWidth(t *testing.T) {
	result, err := FixedWidth{}.Serialize(sampleRecords(), Layout{Fields: layoutFields, IncludeHeader: true})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSuffix(string(result.Content), "\r\n"), "\r\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "ID      Account     Amount units", lines[0])
	assert.Equal(t, "txn_1   AC-001     1500.25  12.5", lines[1])
	assert.Equal(t, "txn_2   AC-002         0.1     3", lines[2])
	for _, l := range lines {
		assert.Len(t, l, 32)
	}
}

func TestFixedWidth_OverflowFailsRecord(t *testing.T) {
	records := sampleRecords()
	records[0].Payload["account_no"] = "AC-0000000001"

	result, err := FixedWidth{}.Serialize(records, Layout{Fields: layoutFields})
	require.NoError(t, err)
	assert.Equal(t, []string{"txn_2"}, result.Written)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Error(), "column allows 8")
}

func TestFixedWidth_RequiresWidths(t *testing.T) {
	_, err := FixedWidth{}.Serialize(sampleRecords(), Layout{Fields: []model.FieldSpec{{Name: "transaction_id"}}})
	assert.Error(t, err)
}

func TestJSON_OrderedKeys(t *testing.T) {
	result, err := JSON{}.Serialize(sampleRecords(), Layout{Fields: layoutFields})
	require.NoError(t, err)

	content := string(result.Content)
	first := strings.Index(content, `"transaction_id"`)
	second := strings.Index(content, `"account_no"`)
	third := strings.Index(content, `"amount"`)
	assert.True(t, first < second && second < third)

	var decoded []map[string]string
	require.NoError(t, json.Unmarshal(result.Content, &decoded))
	require.Len(t, decoded, 2)
	assert.Equal(t, "1500.25", decoded[0]["amount"])
	assert.Equal(t, "AC-002", decoded[1]["account_no"])
}

func TestJSON_Empty(t *testing.T) {
	result, err := JSON{}.Serialize(nil, Layout{Fields: layoutFields})
	require.NoError(t, err)
	assert.Equal(t, "[]\n", string(result.Content))
}

func TestXML(t *testing.T) {
	result, err := XML{}.Serialize(sampleRecords(), Layout{Fields: layoutFields})
	require.NoError(t, err)

	var doc struct {
		Records []struct {
			TransactionID string `xml:"transaction_id"`
			Amount        string `xml:"amount"`
		} `xml:"Record"`
	}
	require.NoError(t, xml.Unmarshal(result.Content, &doc))
	require.Len(t, doc.Records, 2)
	assert.Equal(t, "txn_1", doc.Records[0].TransactionID)
	assert.Equal(t, "0.1", doc.Records[1].Amount)

	_, err = XML{}.Serialize(sampleRecords(), Layout{Fields: []model.FieldSpec{{Name: "1bad name"}}})
	assert.Error(t, err)
}

func TestXML_CharactersXMLCannotCarryFailTheRecord(t *testing.T) {
	tests := map[string]string{
		"control character": "AC-\x01001",
		"invalid utf-8":     "AC-\xff001",
		"noncharacter":      "AC-\uFFFE",
	}
	for name, account := range tests {
		t.Run(name, func(t *testing.T) {
			records := sampleRecords()
			records[0].Payload["account_no"] = account

			result, err := XML{}.Serialize(records, Layout{Fields: layoutFields})
			require.NoError(t, err)
			assert.Equal(t, []string{"txn_2"}, result.Written)
			require.Len(t, result.Errors, 1)
			assert.Equal(t, "txn_1", result.Errors[0].TransactionID)
			assert.True(t, errors.Is(result.Errors[0], ErrSerialization))
			assert.Contains(t, result.Errors[0].Error(), "account_no")
			assert.NotContains(t, string(result.Content), "\uFFFD")
		})
	}

	records := sampleRecords()
	records[0].Payload["account_no"] = "AC-001\tMañana \U0001F600 \uFFFD"
	result, err := XML{}.Serialize(records, Layout{Fields: layoutFields})
	require.NoError(t, err)
	assert.Empty(t, result.Errors)
}

func TestExcel(t *testing.T) {
	result, err := Excel{}.Serialize(sampleRecords(), Layout{Fields: layoutFields, IncludeHeader: true})
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(result.Content))
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	rows, err := f.GetRows(ExcelSheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"ID", "Account", "Amount", "units"}, rows[0])
	assert.Equal(t, []string{"txn_1", "AC-001", "1500.25", "12.5"}, rows[1])
}

func TestFormatValue(t *testing.T) {
	cases := []struct {
		in   interface{}
		want string
	}{
		{nil, ""},
		{"abc", "abc"},
		{decimal.RequireFromString("10.500"), "10.5"},
		{json.Number("1e3"), "1000"},
		{float64(1000000), "1000000"},
		{42, "42"},
		{int64(7), "7"},
		{true, "true"},
		{created, "2024-03-01T09:30:00Z"},
	}
	for _, c := range cases {
		got, err := formatValue(c.in)
		assert.NoError(t, err)
		assert.Equal(t, c.want, got)
	}

	_, err := formatValue([]interface{}{1})
	assert.Error(t, err)
}

func TestArchive(t *testing.T) {
	dir := t.TempDir()

	path, err := Archive(dir, created, "SUB_ACME_20240301_BATCH001.csv", []byte("a,b\n"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "2024-03-01", "SUB_ACME_20240301_BATCH001.csv"), path)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "a,b\n", string(content))

	path, err = Archive("", created, "x.csv", nil)
	assert.NoError(t, err)
	assert.Empty(t, path)
}
