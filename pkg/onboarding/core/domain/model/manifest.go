package model

// ResultFile references one JSON result file written by the fan-out.
type ResultFile struct {
	Key  string `json:"Key"`
	Size int64  `json:"Size"`
}

// ResultFiles groups result files by item status.
type ResultFiles struct {
	Succeeded []ResultFile `json:"SUCCEEDED"`
	Failed    []ResultFile `json:"FAILED"`
	Pending   []ResultFile `json:"PENDING"`
}

// ExecutionManifest is the fan-out's output contract, consumed once by the reducer.
type ExecutionManifest struct {
	MapRunID                   string      `json:"MapRunArn"`
	DestinationBucket          string      `json:"DestinationBucket"`
	InputBucket                string      `json:"InputBucket"`
	InputKey                   string      `json:"InputKey"`
	Header                     []string    `json:"Header"`
	TotalItems                 int         `json:"TotalItems"`
	Succeeded                  int         `json:"Succeeded"`
	Failed                     int         `json:"Failed"`
	Pending                    int         `json:"Pending"`
	ToleratedFailurePercentage float64     `json:"ToleratedFailurePercentage"`
	ToleratedFailure           bool        `json:"ToleratedFailure"`
	ResultFiles                ResultFiles `json:"ResultFiles"`
}

// ExceedsTolerance reports whether failures exceed the tolerated percentage of all items.
// Comparison is done in integer-scaled form so 15 of 100 at 15% is tolerated.
func ExceedsTolerance(failed, total int, toleratedPercentage float64) bool {
	if total == 0 {
		return false
	}
	return float64(failed)*100 > toleratedPercentage*float64(total)
}

// ManifestRef locates a written manifest. It is what the map state stores at $.mapOutput.
type ManifestRef struct {
	ResultWriterDetails ObjectRef `json:"ResultWriterDetails"`
	MapRunID            string    `json:"MapRunArn"`
	Succeeded           int       `json:"Succeeded"`
	Failed              int       `json:"Failed"`
	Pending             int       `json:"Pending"`
	Total               int       `json:"Total"`
}

// ObjectRef locates an object in storage.
type ObjectRef struct {
	Bucket string `json:"Bucket"`
	Key    string `json:"Key"`
}
