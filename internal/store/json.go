package store

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"github.com/oceanrun/jobkeep/internal/model"
)

// marshalAttemptedBy encodes the node identity claiming a job as a
// one-element list. Claim writes it over the previous value, so the column
// records only the node that most recently claimed the job.
func marshalAttemptedBy(node string) (datatypes.JSON, error) {
	raw, err := json.Marshal([]string{node})
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

// appendErrorEntry implements §4.1's "error is appended via JSON array push,
// not an overwrite".
func appendErrorEntry(existing datatypes.JSON, attempt int, errText string, at time.Time) (datatypes.JSON, error) {
	var entries []model.ErrorEntry
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &entries); err != nil {
			entries = nil
		}
	}
	entries = append(entries, model.ErrorEntry{Attempt: attempt, At: at, Error: errText})
	raw, err := json.Marshal(entries)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}
