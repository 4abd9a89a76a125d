// Package reducer merges the result files of a fan-out into one tabular artifact whose rows
// follow the order of the input CSV.
package reducer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/tigerroll/onboarding/pkg/onboarding/adapter/storage"
	config "github.com/tigerroll/onboarding/pkg/onboarding/core/config"
	model "github.com/tigerroll/onboarding/pkg/onboarding/core/domain/model"
	"github.com/tigerroll/onboarding/pkg/onboarding/engine/fanout"
	"github.com/tigerroll/onboarding/pkg/onboarding/support/util/exception"
	logger "github.com/tigerroll/onboarding/pkg/onboarding/support/util/logger"
)

// Artifact formats.
const (
	FormatCSV     = "csv"
	FormatParquet = "parquet"
)

// Failed-row policies.
const (
	// FailedRowsFlag keeps failed and pending rows, in order, with error columns filled in.
	FailedRowsFlag = "flag"
	// FailedRowsOmit drops failed and pending rows.
	FailedRowsOmit = "omit"
)

// Table is the artifact content before encoding.
type Table struct {
	Columns []string
	Rows    [][]string
}

// Encoder writes a table in one format.
type Encoder interface {
	Encode(t *Table) ([]byte, error)
	ContentType() string
}

// Reducer builds and uploads result artifacts.
type Reducer struct {
	conn    storage.StorageExecutor
	cfg     config.ReducerConfig
	encoder Encoder
}

// NewReducer creates a Reducer. It fails on an unknown format or failed-row policy.
func NewReducer(conn storage.StorageExecutor, cfg config.ReducerConfig) (*Reducer, error) {
	if cfg.FailedRows == "" {
		cfg.FailedRows = FailedRowsFlag
	}
	if cfg.FailedRows != FailedRowsFlag && cfg.FailedRows != FailedRowsOmit {
		return nil, exception.NewOnboardingErrorf("reducer", "unknown failed row policy '%s'", cfg.FailedRows)
	}
	var enc Encoder
	switch strings.ToLower(cfg.Format) {
	case "", FormatCSV:
		enc = csvEncoder{}
	case FormatParquet:
		enc = parquetEncoder{}
	default:
		return nil, exception.NewOnboardingErrorf("reducer", "unknown artifact format '%s'", cfg.Format)
	}
	return &Reducer{conn: conn, cfg: cfg, encoder: enc}, nil
}

// ArtifactKey returns "<result_prefix><inputKey>".
func (r *Reducer) ArtifactKey(inputKey string) string {
	return r.cfg.ResultPrefix + strings.TrimLeft(inputKey, "/")
}

// Reduce reads the manifest at ref, merges its result files and writes the artifact to the
// manifest's destination bucket.
func (r *Reducer) Reduce(ctx context.Context, ref model.ObjectRef) (model.ObjectRef, error) {
	manifest, err := fanout.LoadManifest(ctx, r.conn, ref)
	if err != nil {
		return model.ObjectRef{}, err
	}

	files := append([]model.ResultFile(nil), manifest.ResultFiles.Succeeded...)
	if r.cfg.FailedRows == FailedRowsFlag {
		files = append(files, manifest.ResultFiles.Failed...)
		files = append(files, manifest.ResultFiles.Pending...)
	}
	var results []model.ItemResult
	for _, f := range files {
		batch, err := r.loadResults(ctx, manifest.DestinationBucket, f.Key)
		if err != nil {
			return model.ObjectRef{}, err
		}
		results = append(results, batch...)
	}

	table := BuildTable(manifest.Header, results, r.cfg.FailedRows)
	data, err := r.encoder.Encode(table)
	if err != nil {
		return model.ObjectRef{}, exception.NewOnboardingError("reducer", "failed to encode artifact", err, exception.Fatal)
	}

	out := model.ObjectRef{Bucket: manifest.DestinationBucket, Key: r.ArtifactKey(manifest.InputKey)}
	if err := r.conn.Upload(ctx, out.Bucket, out.Key, bytes.NewReader(data), r.encoder.ContentType()); err != nil {
		return model.ObjectRef{}, exception.NewOnboardingError("reducer", fmt.Sprintf("failed to upload artifact '%s'", out.Key), err, exception.GenericRetryable)
	}
	logger.Infof("Reducer wrote %d rows to '%s/%s'.", len(table.Rows), out.Bucket, out.Key)
	return out, nil
}

func (r *Reducer) loadResults(ctx context.Context, bucket, key string) ([]model.ItemResult, error) {
	body, err := r.conn.Download(ctx, bucket, key)
	if err != nil {
		return nil, exception.NewOnboardingError("reducer", fmt.Sprintf("failed to download result file '%s'", key), err, exception.GenericRetryable)
	}
	defer body.Close()
	var out []model.ItemResult
	if err := json.NewDecoder(body).Decode(&out); err != nil {
		return nil, exception.NewOnboardingError("reducer", fmt.Sprintf("malformed result file '%s'", key), err, exception.Fatal)
	}
	return out, nil
}

// BuildTable orders results by row index and lays them out as source columns followed by
// the output columns. Under the flag policy the error columns are appended and failed or
// pending rows keep their input values with empty outputs.
func BuildTable(header []string, results []model.ItemResult, failedRows string) *Table {
	sorted := append([]model.ItemResult(nil), results...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	flag := failedRows != FailedRowsOmit
	columns := append(append([]string(nil), header...), model.OutputColumns...)
	if flag {
		columns = append(columns, model.ColumnError, model.ColumnErrorCause)
	}

	t := &Table{Columns: columns}
	for _, res := range sorted {
		if res.Status != model.ItemSucceeded && !flag {
			continue
		}
		row := make([]string, 0, len(columns))
		for _, name := range header {
			row = append(row, res.Input.Input[name])
		}
		var outputs map[string]string
		if res.Output != nil {
			outputs = res.Output.Columns()
		}
		for _, name := range model.OutputColumns {
			row = append(row, outputs[name])
		}
		if flag {
			errName, cause := res.Error, res.Cause
			if res.Status == model.ItemPending && errName == "" {
				errName = string(model.ItemPending)
			}
			row = append(row, errName, cause)
		}
		t.Rows = append(t.Rows, row)
	}
	return t
}
