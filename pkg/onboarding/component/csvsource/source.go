// Package csvsource reads a CSV object from storage as a lazy, finite sequence of rows keyed
// by the header's field names. Every row carries its 0-based index so that a consumer can
// restore input order and restart a read at any offset.
package csvsource

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/tigerroll/onboarding/pkg/onboarding/adapter/storage"
	model "github.com/tigerroll/onboarding/pkg/onboarding/core/domain/model"
	"github.com/tigerroll/onboarding/pkg/onboarding/support/util/exception"
	logger "github.com/tigerroll/onboarding/pkg/onboarding/support/util/logger"
)

const utf8BOM = "\ufeff"

// Record is one data row and its position among data rows.
type Record struct {
	Index int
	Row   model.Row
}

// Source addresses one CSV object.
type Source struct {
	conn   storage.StorageExecutor
	bucket string
	key    string
}

// NewSource creates a Source over bucket/key.
func NewSource(conn storage.StorageExecutor, bucket, key string) *Source {
	return &Source{conn: conn, bucket: bucket, key: key}
}

// Open starts a read and consumes the header row.
func (s *Source) Open(ctx context.Context) (*Reader, error) {
	body, err := s.conn.Download(ctx, s.bucket, s.key)
	if err != nil {
		return nil, exception.NewOnboardingError("csvsource", fmt.Sprintf("failed to download '%s/%s'", s.bucket, s.key), err, exception.GenericRetryable)
	}
	r := &Reader{body: body, csv: csv.NewReader(body), name: s.bucket + "/" + s.key}
	r.csv.FieldsPerRecord = -1
	r.csv.LazyQuotes = true
	r.csv.ReuseRecord = false

	header, err := r.csv.Read()
	if err != nil {
		body.Close()
		if errors.Is(err, io.EOF) {
			return nil, exception.NewValidationError("csvsource", fmt.Sprintf("'%s' has no header row", r.name))
		}
		return nil, exception.NewOnboardingError("csvsource", fmt.Sprintf("failed to read header of '%s'", r.name), err, exception.Fatal)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], utf8BOM)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	r.header = header
	logger.Debugf("CSV source '%s' opened with header %v.", r.name, header)
	return r, nil
}

// Header returns the field names of the CSV.
func (s *Source) Header(ctx context.Context) ([]string, error) {
	r, err := s.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.Header(), nil
}

// Rows calls fn for every row in order. It stops at the first error fn returns.
func (s *Source) Rows(ctx context.Context, fn func(Record) error) error {
	return s.Range(ctx, 0, -1, fn)
}

// Range calls fn for at most limit rows starting at offset. A negative limit reads to the end.
func (s *Source) Range(ctx context.Context, offset, limit int, fn func(Record) error) error {
	r, err := s.Open(ctx)
	if err != nil {
		return err
	}
	defer r.Close()

	delivered := 0
	for limit < 0 || delivered < limit {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if rec.Index < offset {
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
		delivered++
	}
	return nil
}

// Reader iterates the rows of one open CSV object.
type Reader struct {
	body   io.ReadCloser
	csv    *csv.Reader
	name   string
	header []string
	next   int
}

// Header returns the field names.
func (r *Reader) Header() []string {
	return append([]string(nil), r.header...)
}

// Read returns the next row, or io.EOF after the last one. Blank lines are skipped;
// missing trailing fields read as empty strings.
func (r *Reader) Read() (Record, error) {
	fields, err := r.csv.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, exception.NewOnboardingError("csvsource", fmt.Sprintf("failed to read row %d of '%s'", r.next, r.name), err, exception.Fatal)
	}
	row := make(model.Row, len(r.header))
	for i, name := range r.header {
		if i < len(fields) {
			row[name] = fields[i]
		} else {
			row[name] = ""
		}
	}
	rec := Record{Index: r.next, Row: row}
	r.next++
	return rec, nil
}

// Close releases the download.
func (r *Reader) Close() error {
	if r.body == nil {
		return nil
	}
	err := r.body.Close()
	r.body = nil
	return err
}
