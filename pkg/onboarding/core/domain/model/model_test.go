package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocument_GetPutDelete(t *testing.T) {
	doc := Document{
		"session_id": "s-1",
		"detail": map[string]interface{}{
			"object": map[string]interface{}{"key": "batch.csv"},
		},
		"product": map[string]interface{}{
			"images": []interface{}{"a.jpg", "b.jpg"},
		},
	}

	assert.Equal(t, "batch.csv", doc.GetString("$.detail.object.key"))
	assert.True(t, doc.IsPresent("$.product.images[0]"))
	assert.False(t, doc.IsPresent("$.product.images[2]"))
	assert.False(t, doc.IsPresent("$.images_key"))
	assert.False(t, doc.IsPresent("$.error"))

	require.NoError(t, doc.Put("$.error", ErrorInfo{Error: "RateLimitError", Cause: "429"}))
	assert.True(t, doc.IsPresent("$.error"))
	assert.Equal(t, "RateLimitError", doc.GetString("$.error.Error"))

	require.NoError(t, doc.Put("$.output.Key", "results/batch.csv"))
	assert.Equal(t, "results/batch.csv", doc.GetString("$.output.Key"))

	doc.Delete("$.error")
	assert.False(t, doc.IsPresent("$.error"))

	assert.Error(t, doc.Put("$", "root"))
	assert.Error(t, doc.Put("$.product.images[0]", "c.jpg"))
	assert.Error(t, doc.Put("detail", "x"))
}

func TestDocument_EmptyIndexIsNotPresent(t *testing.T) {
	doc := Document{"product": map[string]interface{}{"images": []interface{}{}}}
	assert.True(t, doc.IsPresent("$.product.images"))
	assert.False(t, doc.IsPresent("$.product.images[0]"))
}

func TestDocument_DecodeAndClone(t *testing.T) {
	doc := Document{}
	require.NoError(t, doc.Put("$.output", ObjectRef{Bucket: "out", Key: "results/x.csv"}))

	var ref ObjectRef
	require.NoError(t, doc.Decode("$.output", &ref))
	assert.Equal(t, ObjectRef{Bucket: "out", Key: "results/x.csv"}, ref)

	clone := doc.Clone()
	require.NoError(t, clone.Put("$.output.Key", "changed"))
	assert.Equal(t, "results/x.csv", doc.GetString("$.output.Key"))
}

func TestDocument_ValueScan(t *testing.T) {
	doc := Document{"session_id": "s-1"}
	v, err := doc.Value()
	require.NoError(t, err)

	var scanned Document
	require.NoError(t, scanned.Scan(v))
	assert.Equal(t, "s-1", scanned.GetString("$.session_id"))

	require.NoError(t, scanned.Scan(nil))
	assert.Empty(t, scanned)
	assert.Error(t, scanned.Scan(42))
}

func TestExceedsTolerance(t *testing.T) {
	assert.False(t, ExceedsTolerance(14, 100, 15))
	assert.False(t, ExceedsTolerance(15, 100, 15))
	assert.True(t, ExceedsTolerance(16, 100, 15))
	assert.False(t, ExceedsTolerance(0, 0, 15))
	assert.True(t, ExceedsTolerance(1, 1, 0))
	assert.False(t, ExceedsTolerance(1, 1, 100))
}

func TestSemaphoreLease_Expired(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	lease := NewSemaphoreLease("BatchProductOnboarding", 1)
	lease.Holders["exec-b"] = now.Add(-3 * time.Minute)
	lease.Holders["exec-a"] = now.Add(-time.Minute)

	assert.Equal(t, []string{"exec-b"}, lease.Expired(now, 2*time.Minute))
	assert.Equal(t, []string{"exec-a", "exec-b"}, lease.Expired(now, 0))
	assert.False(t, lease.HasFreeSlot())

	clone := lease.Clone()
	delete(clone.Holders, "exec-a")
	assert.Len(t, lease.Holders, 2)
}

func TestSession_NewAndClone(t *testing.T) {
	now := time.Date(2024, 5, 1, 23, 30, 0, 0, time.UTC)
	s := NewSession(BatchInput{InputFile: "batch.csv"}, now)

	assert.Equal(t, SessionQueued, s.Status)
	assert.Equal(t, SessionType, s.Type)
	assert.Equal(t, "2024-05-01", s.Date)
	assert.NotEmpty(t, s.SessionID)

	key := "results/batch.csv"
	s.OutputKey = &key
	c := s.Clone()
	*c.OutputKey = "other"
	assert.Equal(t, "results/batch.csv", *s.OutputKey)
	assert.True(t, SessionError.IsTerminal())
	assert.False(t, SessionRunning.IsTerminal())
}

func TestBatchItem_OutputColumns(t *testing.T) {
	item := BatchItem{
		Product:        ProductData{Title: "Red Mug", Description: "Ceramic mug"},
		Classification: Classification{CategoryID: "123", CategoryPath: "Home > Kitchen > Mugs", Explanation: "it is a mug"},
		Attributes:     []Attribute{{Name: "color", Value: "red"}},
	}
	cols := item.Output().Columns()
	assert.Equal(t, "Red Mug", cols[ColumnTitleNew])
	assert.Equal(t, "Home > Kitchen > Mugs", cols[ColumnCategoryNewPath])

	var attrs []Attribute
	require.NoError(t, json.Unmarshal([]byte(cols[ColumnAttributes]), &attrs))
	assert.Equal(t, []Attribute{{Name: "color", Value: "red"}}, attrs)

	empty := (&BatchItem{}).Output()
	assert.Equal(t, "[]", empty.Columns()[ColumnAttributes])
}

func TestExecution_IsDue(t *testing.T) {
	now := time.Now()
	exec := NewExecution("CategorizationWorkflow", "DoExtractImages?", Document{"session_id": "s-1"}, now)
	assert.Equal(t, "s-1", exec.SessionID)
	assert.True(t, exec.IsDue(now))

	later := now.Add(time.Minute)
	exec.Status = ExecutionSuspended
	exec.WakeAt = &later
	assert.False(t, exec.IsDue(now))
	assert.True(t, exec.IsDue(later))

	claim := later.Add(time.Minute)
	exec.ClaimedUntil = &claim
	assert.False(t, exec.IsDue(later))
	assert.True(t, exec.IsDue(claim))

	exec.Status = ExecutionSucceeded
	assert.False(t, exec.IsDue(claim))
}
