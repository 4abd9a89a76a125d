package csvsource

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tigerroll/onboarding/pkg/onboarding/support/util/exception"
)

type memStorage map[string]string

func (m memStorage) Upload(ctx context.Context, bucket, objectName string, data io.Reader, contentType string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m[bucket+"/"+objectName] = string(b)
	return nil
}

func (m memStorage) Download(ctx context.Context, bucket, objectName string) (io.ReadCloser, error) {
	v, ok := m[bucket+"/"+objectName]
	if !ok {
		return nil, errors.New("not found")
	}
	return io.NopCloser(bytes.NewBufferString(v)), nil
}

func (m memStorage) ListObjects(ctx context.Context, bucket, prefix string, fn func(string) error) error {
	return nil
}

func (m memStorage) DeleteObject(ctx context.Context, bucket, objectName string) error {
	delete(m, bucket+"/"+objectName)
	return nil
}

const sample = "\ufefftitle,description,images\n" +
	"Red Mug,Ceramic mug,\n" +
	"\"Blue, Bowl\",Glass bowl,\"['bowl.jpg']\"\n" +
	"Plate,Flat\n"

func TestRowsCarriesIndexAndHeaderFields(t *testing.T) {
	store := memStorage{"in/batch.csv": sample}
	src := NewSource(store, "in", "batch.csv")

	header, err := src.Header(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"title", "description", "images"}, header)

	var got []Record
	require.NoError(t, src.Rows(context.Background(), func(r Record) error {
		got = append(got, r)
		return nil
	}))
	require.Len(t, got, 3)
	assert.Equal(t, 0, got[0].Index)
	assert.Equal(t, "Red Mug", got[0].Row["title"])
	assert.Equal(t, "Blue, Bowl", got[1].Row["title"])
	assert.Equal(t, "['bowl.jpg']", got[1].Row["images"])
	assert.Equal(t, 2, got[2].Index)
	assert.Equal(t, "", got[2].Row["images"])
}

func TestRangeRestartsAtOffset(t *testing.T) {
	store := memStorage{"in/batch.csv": sample}
	src := NewSource(store, "in", "batch.csv")

	var titles []string
	require.NoError(t, src.Range(context.Background(), 1, 1, func(r Record) error {
		titles = append(titles, r.Row["title"])
		return nil
	}))
	assert.Equal(t, []string{"Blue, Bowl"}, titles)
}

func TestOpenEmptyObject(t *testing.T) {
	store := memStorage{"in/empty.csv": ""}
	_, err := NewSource(store, "in", "empty.csv").Open(context.Background())
	require.Error(t, err)
	assert.Equal(t, exception.ValidationErrorName, exception.ErrorName(err))
}

func TestRowsStopsOnCallbackError(t *testing.T) {
	store := memStorage{"in/batch.csv": sample}
	stop := errors.New("stop")
	calls := 0
	err := NewSource(store, "in", "batch.csv").Rows(context.Background(), func(r Record) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}
