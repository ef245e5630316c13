package resolver

import (
	"slices"
	"strconv"
	"time"

	"github.com/sells-group/registry-cli/internal/model"
	"github.com/sells-group/registry-cli/internal/resilience"
)

// observation is one candidate field value with its provenance.
type observation struct {
	value string
	prov  model.FieldProvenance
}

// mergeField applies the confidence rule to a single field: the incoming
// value wins iff the field is unset or its weight is strictly greater than
// the weight of the current winner. Equal weights keep the existing value.
func mergeField(c *model.CanonicalCompany, key model.FieldKey, in observation) (changed bool, anomaly *resilience.MergeConflictAnomaly) {
	cur, hasVal := c.Fields[key]
	prov, hasProv := c.FieldProvenance[key]

	switch {
	case !hasVal || cur == "" || !hasProv:
		c.Fields[key] = in.value
		c.FieldProvenance[key] = in.prov
		return true, nil
	case in.prov.Weight > prov.Weight:
		c.Fields[key] = in.value
		c.FieldProvenance[key] = in.prov
		return true, nil
	case in.prov.Weight == prov.Weight && cur != in.value:
		return false, &resilience.MergeConflictAnomaly{
			Key:      c.RegistryID,
			Field:    key,
			Existing: cur,
			Incoming: in.value,
			Source:   in.prov.Source,
		}
	default:
		return false, nil
	}
}

// mergeRecord folds rec into c. Keys are visited in sorted order so that
// anomaly reporting is deterministic.
func mergeRecord(c *model.CanonicalCompany, rec model.SourceRecord) (bool, []*resilience.MergeConflictAnomaly) {
	keys := make([]model.FieldKey, 0, len(rec.Fields))
	for k := range rec.Fields {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var changed bool
	var anomalies []*resilience.MergeConflictAnomaly
	for _, k := range keys {
		v := rec.Fields[k]
		if v == "" || !model.IsKnownField(k) {
			continue
		}
		ch, an := mergeField(c, k, observation{
			value: v,
			prov:  model.FieldProvenance{Source: rec.Source, Weight: rec.Confidence, FetchedAt: rec.FetchedAt},
		})
		changed = changed || ch
		if an != nil {
			anomalies = append(anomalies, an)
		}
	}

	if c.AddSource(rec.Source) {
		changed = true
	}
	if changed {
		touch(c, rec.FetchedAt)
	}
	return changed, anomalies
}

// mergeCompany folds every field of src into dst using src's provenance.
func mergeCompany(dst, src *model.CanonicalCompany) (bool, []*resilience.MergeConflictAnomaly) {
	keys := make([]model.FieldKey, 0, len(src.Fields))
	for k := range src.Fields {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var changed bool
	var anomalies []*resilience.MergeConflictAnomaly
	latest := src.LastMergedAt
	for _, k := range keys {
		prov, ok := src.FieldProvenance[k]
		if !ok {
			continue
		}
		ch, an := mergeField(dst, k, observation{value: src.Fields[k], prov: prov})
		changed = changed || ch
		if an != nil {
			anomalies = append(anomalies, an)
		}
		if prov.FetchedAt.After(latest) {
			latest = prov.FetchedAt
		}
	}
	for _, s := range src.ContributingSources {
		if dst.AddSource(s) {
			changed = true
		}
	}
	if changed {
		touch(dst, latest)
	}
	return changed, anomalies
}

func touch(c *model.CanonicalCompany, fetchedAt time.Time) {
	c.Version++
	if fetchedAt.After(c.LastMergedAt) {
		c.LastMergedAt = fetchedAt
	}
}

// recompute derives the employee estimate and admission flag from the
// current field values. It reports whether either changed.
func recompute(c *model.CanonicalCompany, threshold int) bool {
	var est *int
	if v := c.Fields[model.FieldEmployees]; v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			est = &n
		}
	}
	admitted := est != nil && *est >= threshold

	same := admitted == c.Admitted &&
		((est == nil && c.EmployeeCountMinEstimate == nil) ||
			(est != nil && c.EmployeeCountMinEstimate != nil && *est == *c.EmployeeCountMinEstimate))
	c.EmployeeCountMinEstimate = est
	c.Admitted = admitted
	return !same
}
