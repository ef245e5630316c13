package resilience

import (
	"time"

	"github.com/sells-group/registry-cli/internal/model"
)

// NewGapMarker builds the audit entry for a page skipped after err.
func NewGapMarker(runID string, source model.SourceID, token, nextToken string, err error, now time.Time) model.GapMarker {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return model.GapMarker{
		RunID:     runID,
		Source:    source,
		Token:     token,
		NextToken: nextToken,
		Kind:      ClassifyGap(err),
		Error:     msg,
		Signature: Signature(err),
		CreatedAt: now.UTC(),
	}
}
