package reducer

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"

	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

type csvEncoder struct{}

func (csvEncoder) ContentType() string { return "text/csv" }

func (csvEncoder) Encode(t *Table) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(t.Columns); err != nil {
		return nil, err
	}
	if err := w.WriteAll(t.Rows); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// parquetEncoder writes every column as an optional UTF8 string.
type parquetEncoder struct{}

func (parquetEncoder) ContentType() string { return "application/vnd.apache.parquet" }

func (parquetEncoder) Encode(t *Table) (data []byte, err error) {
	md := make([]string, len(t.Columns))
	for i, name := range t.Columns {
		md[i] = fmt.Sprintf("name=%s, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL", parquetName(name, i))
	}

	var buf bytes.Buffer
	rowGroup := int64(len(t.Rows))
	if rowGroup == 0 {
		rowGroup = 1
	}
	pw, err := writer.NewCSVWriterFromWriter(md, &buf, rowGroup)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range t.Rows {
		rec := make([]*string, len(row))
		for i := range row {
			v := row[i]
			rec[i] = &v
		}
		if err := pw.WriteString(rec); err != nil {
			return nil, err
		}
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parquet writer panicked during WriteStop: %v", r)
		}
	}()
	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// parquetName strips characters that break the schema tag syntax.
func parquetName(name string, i int) string {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case ',', '=', ' ', '\t', '.':
			return '_'
		}
		return r
	}, strings.TrimSpace(name))
	if clean == "" {
		return fmt.Sprintf("column_%d", i)
	}
	return clean
}
