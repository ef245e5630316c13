package pipeline

import (
	"sync"

	"github.com/sells-group/registry-cli/internal/model"
)

// statsRecorder guards the RunStats shared by the workers of a run.
type statsRecorder struct {
	mu    sync.Mutex
	stats model.RunStats
}

// newStatsRecorder continues from prior, the stats of a resumed run.
func newStatsRecorder(prior model.RunStats) *statsRecorder {
	s := model.NewRunStats()
	for src, ss := range prior.Sources {
		if ss != nil {
			cp := *ss
			s.Sources[src] = &cp
		}
	}
	s.Merged = prior.Merged
	s.Promoted = prior.Promoted
	s.Enriched = prior.Enriched
	s.ValidationErrors = prior.ValidationErrors
	s.ConflictAnomalies = prior.ConflictAnomalies
	return &statsRecorder{stats: s}
}

func (r *statsRecorder) update(fn func(s *model.RunStats)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.stats)
}

func (r *statsRecorder) source(src model.SourceID, fn func(s *model.SourceStats)) {
	r.update(func(s *model.RunStats) {
		ss, ok := s.Sources[src]
		if !ok {
			ss = &model.SourceStats{}
			s.Sources[src] = ss
		}
		fn(ss)
	})
}

// finalize stamps the resolver totals and returns a deep copy.
func (r *statsRecorder) finalize(unresolved, admitted int) model.RunStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Unresolved = unresolved
	r.stats.Admitted = admitted

	out := r.stats
	out.Sources = make(map[model.SourceID]*model.SourceStats, len(r.stats.Sources))
	for src, ss := range r.stats.Sources {
		cp := *ss
		out.Sources[src] = &cp
	}
	return out
}
