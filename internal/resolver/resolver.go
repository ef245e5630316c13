// Package resolver merges normalized SourceRecords into canonical companies
// keyed by registry id, holding records without one in an unresolved bucket
// until enrichment can supply the id.
package resolver

import (
	"cmp"
	"slices"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/registry-cli/internal/model"
	"github.com/sells-group/registry-cli/internal/normalize"
	"github.com/sells-group/registry-cli/internal/resilience"
)

// Config tunes admission and fuzzy matching.
type Config struct {
	// AdmissionThreshold is the minimum employee estimate for output. Default: 100.
	AdmissionThreshold int
	// SimilarityThreshold is the trigram Jaccard score at which two
	// unresolved names in the same locality are treated as one. Default: 0.85.
	SimilarityThreshold float64
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{AdmissionThreshold: 100, SimilarityThreshold: 0.85}
}

// Outcome describes what Apply did with a record.
type Outcome struct {
	Key       string
	Resolved  bool
	Changed   bool
	Skipped   bool
	Anomalies []*resilience.MergeConflictAnomaly
}

type entry struct {
	mu sync.Mutex
	c  *model.CanonicalCompany
}

type unresolvedEntry struct {
	mu    sync.Mutex
	u     *model.UnresolvedCompany
	grams map[string]struct{}
	gone  bool
}

// Resolver is the in-memory merge state for a run. Each company has its own
// lock; the index lock is held only to look up or insert entries.
type Resolver struct {
	cfg Config

	mu         sync.RWMutex
	companies  map[string]*entry
	unresolved map[string]*unresolvedEntry
	byLocality map[string][]string
}

// New creates an empty Resolver.
func New(cfg Config) *Resolver {
	if cfg.AdmissionThreshold <= 0 {
		cfg.AdmissionThreshold = 100
	}
	if cfg.SimilarityThreshold <= 0 || cfg.SimilarityThreshold > 1 {
		cfg.SimilarityThreshold = 0.85
	}
	return &Resolver{
		cfg:        cfg,
		companies:  make(map[string]*entry),
		unresolved: make(map[string]*unresolvedEntry),
		byLocality: make(map[string][]string),
	}
}

// Load seeds the resolver with persisted state.
func (r *Resolver) Load(companies []*model.CanonicalCompany, unresolved []*model.UnresolvedCompany) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range companies {
		c = c.Clone()
		recompute(c, r.cfg.AdmissionThreshold)
		r.companies[c.RegistryID] = &entry{c: c}
	}
	for _, u := range unresolved {
		r.insertUnresolvedLocked(u.Clone())
	}
}

// Apply merges rec. Records with a registry id merge into the canonical
// company; others merge into the closest unresolved entry.
func (r *Resolver) Apply(rec model.SourceRecord) Outcome {
	if rec.HasRegistryID() {
		return r.applyResolved(rec)
	}
	return r.applyUnresolved(rec)
}

func (r *Resolver) applyResolved(rec model.SourceRecord) Outcome {
	e := r.companyEntry(rec.RegistryID)

	e.mu.Lock()
	changed, anomalies := mergeRecord(e.c, rec)
	recompute(e.c, r.cfg.AdmissionThreshold)
	e.mu.Unlock()

	logAnomalies(anomalies)
	return Outcome{Key: rec.RegistryID, Resolved: true, Changed: changed, Anomalies: anomalies}
}

func (r *Resolver) companyEntry(id string) *entry {
	r.mu.RLock()
	e, ok := r.companies[id]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok = r.companies[id]; ok {
		return e
	}
	e = &entry{c: model.NewCanonicalCompany(id)}
	r.companies[id] = e
	return e
}

func (r *Resolver) applyUnresolved(rec model.SourceRecord) Outcome {
	name := rec.Field(model.FieldName)
	if name == "" {
		name = rec.Field(model.FieldLegalName)
	}
	matchName := normalize.MatchName(name)
	if matchName == "" {
		return Outcome{Skipped: true}
	}
	locality := normalize.Locality(rec.Field(model.FieldLocality))

	ue := r.findOrCreateUnresolved(matchName, locality)

	ue.mu.Lock()
	if ue.gone {
		// Promoted between lookup and lock; the record now belongs to the company.
		key := ue.u.Company.RegistryID
		ue.mu.Unlock()
		rec.RegistryID = key
		return r.applyResolved(rec)
	}
	changed, anomalies := mergeRecord(ue.u.Company, rec)
	recompute(ue.u.Company, r.cfg.AdmissionThreshold)
	if rec.ExternalID != "" {
		if ue.u.ExternalIDs == nil {
			ue.u.ExternalIDs = make(map[model.SourceID]string)
		}
		if ue.u.ExternalIDs[rec.Source] != rec.ExternalID {
			ue.u.ExternalIDs[rec.Source] = rec.ExternalID
			changed = true
		}
	}
	key := ue.u.FallbackKey
	ue.mu.Unlock()

	for _, a := range anomalies {
		a.Key = key
	}
	logAnomalies(anomalies)
	return Outcome{Key: key, Changed: changed, Anomalies: anomalies}
}

// findOrCreateUnresolved returns the entry whose name is most similar to
// matchName within the same locality, creating one if none reaches the
// threshold. Search and insert happen under one lock so two workers cannot
// create twins.
func (r *Resolver) findOrCreateUnresolved(matchName, locality string) *unresolvedEntry {
	key := matchName + "|" + locality
	grams := trigrams(matchName)

	r.mu.Lock()
	defer r.mu.Unlock()

	if ue, ok := r.unresolved[key]; ok {
		return ue
	}

	var best *unresolvedEntry
	bestScore := 0.0
	for _, k := range r.byLocality[locality] {
		ue := r.unresolved[k]
		if ue == nil {
			continue
		}
		score := jaccard(grams, ue.grams)
		if score >= r.cfg.SimilarityThreshold && (score > bestScore || score == bestScore && best != nil && k < best.u.FallbackKey) {
			best, bestScore = ue, score
		}
	}
	if best != nil {
		zap.L().Debug("resolver: fuzzy unresolved match",
			zap.String("name", matchName),
			zap.String("matched", best.u.FallbackKey),
			zap.Float64("score", bestScore),
		)
		return best
	}

	u := &model.UnresolvedCompany{
		FallbackKey:    key,
		NormalizedName: matchName,
		Locality:       locality,
		Company:        model.NewCanonicalCompany(""),
	}
	return r.insertUnresolvedLocked(u)
}

func (r *Resolver) insertUnresolvedLocked(u *model.UnresolvedCompany) *unresolvedEntry {
	if u.Company == nil {
		u.Company = model.NewCanonicalCompany("")
	}
	ue := &unresolvedEntry{u: u, grams: trigrams(u.NormalizedName)}
	r.unresolved[u.FallbackKey] = ue
	r.byLocality[u.Locality] = append(r.byLocality[u.Locality], u.FallbackKey)
	return ue
}

// Promote moves the unresolved entry fallbackKey into the canonical company
// registryID, merging its fields by their recorded provenance.
func (r *Resolver) Promote(fallbackKey, registryID string) (Outcome, error) {
	if registryID == "" {
		return Outcome{}, eris.New("resolver: promote requires a registry id")
	}

	r.mu.Lock()
	ue, ok := r.unresolved[fallbackKey]
	if ok {
		delete(r.unresolved, fallbackKey)
		keys := r.byLocality[ue.u.Locality]
		if i := slices.Index(keys, fallbackKey); i >= 0 {
			r.byLocality[ue.u.Locality] = slices.Delete(slices.Clone(keys), i, i+1)
		}
	}
	r.mu.Unlock()
	if !ok {
		return Outcome{}, eris.Errorf("resolver: unresolved entry %q not found", fallbackKey)
	}

	ue.mu.Lock()
	src := ue.u.Company.Clone()
	ue.gone = true
	ue.u.Company.RegistryID = registryID
	ue.mu.Unlock()

	e := r.companyEntry(registryID)
	e.mu.Lock()
	changed, anomalies := mergeCompany(e.c, src)
	recompute(e.c, r.cfg.AdmissionThreshold)
	e.mu.Unlock()

	for _, a := range anomalies {
		a.Key = registryID
	}
	logAnomalies(anomalies)
	zap.L().Info("resolver: promoted unresolved entry",
		zap.String("fallback_key", fallbackKey),
		zap.String("registry_id", registryID),
	)
	return Outcome{Key: registryID, Resolved: true, Changed: changed, Anomalies: anomalies}, nil
}

// AssignFallbackKeys promotes every remaining unresolved entry under a
// deterministic synthetic id and returns the promoted fallback keys.
func (r *Resolver) AssignFallbackKeys() map[string]string {
	out := make(map[string]string)
	for _, u := range r.Unresolved() {
		id := normalize.SyntheticRegistryID(u.FallbackKey)
		if _, err := r.Promote(u.FallbackKey, id); err == nil {
			out[u.FallbackKey] = id
		}
	}
	return out
}

// NameIndex maps the fallback key of every named canonical company to the
// registry ids sharing it.
func (r *Resolver) NameIndex() map[string][]string {
	idx := make(map[string][]string)
	for _, c := range r.Companies() {
		name := c.Fields[model.FieldName]
		if name == "" {
			name = c.Fields[model.FieldLegalName]
		}
		if name == "" {
			continue
		}
		k := normalize.FallbackKey(name, c.Fields[model.FieldLocality])
		idx[k] = append(idx[k], c.RegistryID)
	}
	return idx
}

// Company returns a copy of the canonical company id.
func (r *Resolver) Company(id string) (*model.CanonicalCompany, bool) {
	r.mu.RLock()
	e, ok := r.companies[id]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.c.Clone(), true
}

// Snapshot returns copies of the given canonical companies.
func (r *Resolver) Snapshot(ids []string) []*model.CanonicalCompany {
	out := make([]*model.CanonicalCompany, 0, len(ids))
	for _, id := range ids {
		if c, ok := r.Company(id); ok {
			out = append(out, c)
		}
	}
	return out
}

// SnapshotUnresolved returns copies of the given unresolved entries.
func (r *Resolver) SnapshotUnresolved(keys []string) []*model.UnresolvedCompany {
	out := make([]*model.UnresolvedCompany, 0, len(keys))
	for _, k := range keys {
		r.mu.RLock()
		ue, ok := r.unresolved[k]
		r.mu.RUnlock()
		if !ok {
			continue
		}
		ue.mu.Lock()
		if !ue.gone {
			out = append(out, ue.u.Clone())
		}
		ue.mu.Unlock()
	}
	return out
}

// Companies returns copies of every canonical company sorted by registry id.
func (r *Resolver) Companies() []*model.CanonicalCompany {
	r.mu.RLock()
	ids := make([]string, 0, len(r.companies))
	for id := range r.companies {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	slices.Sort(ids)
	return r.Snapshot(ids)
}

// Unresolved returns copies of every unresolved entry sorted by key.
func (r *Resolver) Unresolved() []*model.UnresolvedCompany {
	r.mu.RLock()
	keys := make([]string, 0, len(r.unresolved))
	for k := range r.unresolved {
		keys = append(keys, k)
	}
	r.mu.RUnlock()
	slices.Sort(keys)
	return r.SnapshotUnresolved(keys)
}

// Filter narrows the admitted set to one line of business. A company
// passes when its activity code starts with one of ActivityPrefixes or its
// name, legal name, description or industries contain one of Keywords.
// An empty Filter passes everything.
type Filter struct {
	ActivityPrefixes []string
	// Keywords are matched case-insensitively as substrings.
	Keywords []string
}

// Empty reports whether the filter lets every company through.
func (f Filter) Empty() bool {
	return len(f.ActivityPrefixes) == 0 && len(f.Keywords) == 0
}

// Match reports whether c passes the filter.
func (f Filter) Match(c *model.CanonicalCompany) bool {
	if f.Empty() {
		return true
	}
	code := c.Fields[model.FieldActivityCode]
	for _, p := range f.ActivityPrefixes {
		if p != "" && strings.HasPrefix(code, p) {
			return true
		}
	}
	if len(f.Keywords) == 0 {
		return false
	}
	text := strings.ToLower(strings.Join([]string{
		c.Fields[model.FieldName],
		c.Fields[model.FieldLegalName],
		c.Fields[model.FieldDescription],
		c.Fields[model.FieldIndustries],
	}, " "))
	for _, k := range f.Keywords {
		if k != "" && strings.Contains(text, strings.ToLower(k)) {
			return true
		}
	}
	return false
}

// SortByEstimate orders companies by employee estimate, largest first,
// then by registry id. Companies without an estimate come last.
func SortByEstimate(companies []*model.CanonicalCompany) {
	slices.SortStableFunc(companies, func(a, b *model.CanonicalCompany) int {
		if c := cmp.Compare(estimate(b), estimate(a)); c != 0 {
			return c
		}
		return strings.Compare(a.RegistryID, b.RegistryID)
	})
}

func estimate(c *model.CanonicalCompany) int {
	if c.EmployeeCountMinEstimate == nil {
		return -1
	}
	return *c.EmployeeCountMinEstimate
}

// Admitted returns the canonical companies whose employee estimate meets
// the threshold, largest first.
func (r *Resolver) Admitted(f Filter) []*model.CanonicalCompany {
	var out []*model.CanonicalCompany
	for _, c := range r.Companies() {
		if c.Admitted && f.Match(c) {
			out = append(out, c)
		}
	}
	SortByEstimate(out)
	return out
}

// Counts returns the number of canonical and unresolved entries.
func (r *Resolver) Counts() (companies, unresolved int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.companies), len(r.unresolved)
}

func logAnomalies(anomalies []*resilience.MergeConflictAnomaly) {
	for _, a := range anomalies {
		zap.L().Warn("merge conflict between equal-weight sources",
			zap.String("key", a.Key),
			zap.String("field", string(a.Field)),
			zap.String("kept", a.Existing),
			zap.String("rejected", a.Incoming),
			zap.String("source", string(a.Source)),
		)
	}
}
