package resolver

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/registry-cli/internal/model"
)

const sber = "7707083893"

var t0 = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func rec(src model.SourceID, weight float64, id string, at time.Time, kv ...string) model.SourceRecord {
	fields := make(map[model.FieldKey]string)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[model.FieldKey(kv[i])] = kv[i+1]
	}
	return model.SourceRecord{Source: src, RegistryID: id, Fields: fields, FetchedAt: at, Confidence: weight}
}

func TestApply_IdempotentMerge(t *testing.T) {
	t.Parallel()

	r := New(DefaultConfig())
	in := rec(model.SourceScrapeSite, 0.8, sber, t0, "name", "Сбербанк", "employees", "1000")

	first := r.Apply(in)
	assert.True(t, first.Changed)
	before, ok := r.Company(sber)
	require.True(t, ok)

	second := r.Apply(in)
	assert.False(t, second.Changed)
	after, _ := r.Company(sber)
	assert.Equal(t, before, after)
	assert.Equal(t, int64(1), after.Version)
	assert.Equal(t, t0, after.LastMergedAt)
}

func TestApply_ConfidenceOrdering(t *testing.T) {
	t.Parallel()

	r := New(DefaultConfig())
	r.Apply(rec(model.SourceScrapeSite, 0.8, sber, t0, "name", "Sber Site"))
	r.Apply(rec(model.SourceEnrichment, 0.9, sber, t0.Add(time.Hour), "name", "Sber Lookup"))
	r.Apply(rec(model.SourceRegistryAPI, 0.6, sber, t0.Add(2*time.Hour), "name", "Sber API"))

	c, _ := r.Company(sber)
	assert.Equal(t, "Sber Lookup", c.Fields[model.FieldName])
	assert.Equal(t, model.SourceEnrichment, c.FieldProvenance[model.FieldName].Source)
	assert.Equal(t, []model.SourceID{model.SourceEnrichment, model.SourceRegistryAPI, model.SourceScrapeSite}, c.ContributingSources)
}

func TestApply_StabilityOnTies(t *testing.T) {
	t.Parallel()

	r := New(DefaultConfig())
	r.Apply(rec(model.SourceScrapeSite, 0.8, sber, t0, "address", "Москва, ул. Вавилова, 19"))
	out := r.Apply(rec(model.SourceRegistryAPI, 0.8, sber, t0.Add(time.Hour), "address", "Москва, Вавилова 19"))

	c, _ := r.Company(sber)
	assert.Equal(t, "Москва, ул. Вавилова, 19", c.Fields[model.FieldAddress])
	require.Len(t, out.Anomalies, 1)
	assert.Equal(t, sber, out.Anomalies[0].Key)
	assert.Equal(t, model.FieldAddress, out.Anomalies[0].Field)
	// The tie adds the contributing source and nothing else.
	assert.True(t, c.HasSource(model.SourceRegistryAPI))
}

func TestApply_HeavierSourceTakesOverEqualValue(t *testing.T) {
	t.Parallel()

	r := New(DefaultConfig())
	r.Apply(rec(model.SourceScrapeSite, 0.8, sber, t0, "name", "Сбербанк"))
	out := r.Apply(rec(model.SourceEnrichment, 0.9, sber, t0.Add(time.Hour), "name", "Сбербанк"))
	assert.True(t, out.Changed)

	c, ok := r.Company(sber)
	require.True(t, ok)
	assert.Equal(t, "Сбербанк", c.Fields[model.FieldName])
	assert.Equal(t, model.SourceEnrichment, c.FieldProvenance[model.FieldName].Source)
	assert.InDelta(t, 0.9, c.FieldProvenance[model.FieldName].Weight, 1e-9)
}

func TestApply_CommutativeWhenWeightsDiffer(t *testing.T) {
	t.Parallel()

	a := rec(model.SourceScrapeSite, 0.8, sber, t0, "name", "Site", "employees", "300")
	b := rec(model.SourceEnrichment, 0.9, sber, t0.Add(time.Minute), "name", "Lookup", "address", "Москва")
	c := rec(model.SourceRegistryAPI, 0.6, sber, t0.Add(2*time.Minute), "name", "API", "website", "sber.ru", "employees", "50")

	orders := [][]model.SourceRecord{{a, b, c}, {c, b, a}, {b, a, c}, {c, a, b}}
	var results []map[model.FieldKey]string
	for _, order := range orders {
		r := New(DefaultConfig())
		for _, x := range order {
			r.Apply(x)
		}
		got, _ := r.Company(sber)
		results = append(results, got.Fields)
		assert.Equal(t, t0.Add(2*time.Minute), got.LastMergedAt)
	}
	for _, res := range results[1:] {
		assert.Equal(t, results[0], res)
	}
	assert.Equal(t, "Lookup", results[0][model.FieldName])
	assert.Equal(t, "300", results[0][model.FieldEmployees])
	assert.Equal(t, "sber.ru", results[0][model.FieldWebsite])
}

func TestApply_AdmissionThreshold(t *testing.T) {
	t.Parallel()

	r := New(DefaultConfig())
	r.Apply(rec(model.SourceScrapeSite, 0.8, sber, t0, "employees", "100"))
	r.Apply(rec(model.SourceScrapeSite, 0.8, "5001007329", t0, "employees", "99"))
	r.Apply(rec(model.SourceScrapeSite, 0.8, "7733010010", t0, "name", "No Headcount"))

	admitted := r.Admitted(Filter{})
	require.Len(t, admitted, 1)
	assert.Equal(t, sber, admitted[0].RegistryID)
	require.NotNil(t, admitted[0].EmployeeCountMinEstimate)
	assert.Equal(t, 100, *admitted[0].EmployeeCountMinEstimate)

	below, _ := r.Company("5001007329")
	assert.False(t, below.Admitted)
	unknown, _ := r.Company("7733010010")
	assert.Nil(t, unknown.EmployeeCountMinEstimate)
	assert.False(t, unknown.Admitted)
}

func TestAdmitted_ActivityFilter(t *testing.T) {
	t.Parallel()

	r := New(DefaultConfig())
	r.Apply(rec(model.SourceScrapeSite, 0.8, sber, t0, "employees", "500", "activity_code", "64.19"))
	r.Apply(rec(model.SourceScrapeSite, 0.8, "5001007329", t0, "employees", "500", "activity_code", "62.01"))

	got := r.Admitted(Filter{ActivityPrefixes: []string{"62.0", "63.1"}})
	require.Len(t, got, 1)
	assert.Equal(t, "5001007329", got[0].RegistryID)
	assert.Len(t, r.Admitted(Filter{}), 2)
}

func TestAdmitted_KeywordFilter(t *testing.T) {
	t.Parallel()

	r := New(DefaultConfig())
	r.Apply(rec(model.SourceScrapeSite, 0.8, sber, t0, "employees", "500", "activity_code", "64.19", "name", "Сбербанк"))
	r.Apply(rec(model.SourceScrapeSite, 0.8, "5001007329", t0, "employees", "200", "activity_code", "70.22",
		"name", "Ромашка", "description", "Облачные сервисы для бизнеса"))
	r.Apply(rec(model.SourceRegistryAPI, 0.6, "7733010010", t0, "employees", "300", "activity_code", "46.51",
		"industries", "SaaS, Software"))
	r.Apply(rec(model.SourceScrapeSite, 0.8, "7736207543", t0, "employees", "150", "activity_code", "62.01"))

	f := Filter{ActivityPrefixes: []string{"62.0"}, Keywords: []string{"облач", "SOFTWARE"}}
	got := r.Admitted(f)
	ids := make([]string, len(got))
	for i, c := range got {
		ids[i] = c.RegistryID
	}
	assert.Equal(t, []string{"7733010010", "5001007329", "7736207543"}, ids)

	assert.Len(t, r.Admitted(Filter{Keywords: []string{"сбер"}}), 1)
	assert.True(t, Filter{}.Empty())
}

func TestAdmitted_LargestFirst(t *testing.T) {
	t.Parallel()

	r := New(DefaultConfig())
	r.Apply(rec(model.SourceScrapeSite, 0.8, "7736207543", t0, "employees", "150"))
	r.Apply(rec(model.SourceScrapeSite, 0.8, sber, t0, "employees", "5000"))
	r.Apply(rec(model.SourceScrapeSite, 0.8, "5001007329", t0, "employees", "150"))

	got := r.Admitted(Filter{})
	require.Len(t, got, 3)
	assert.Equal(t, sber, got[0].RegistryID)
	assert.Equal(t, "5001007329", got[1].RegistryID)
	assert.Equal(t, "7736207543", got[2].RegistryID)
}

func TestApply_UnresolvedFuzzyMatch(t *testing.T) {
	t.Parallel()

	r := New(DefaultConfig())
	a := r.Apply(rec(model.SourceRegistryAPI, 0.6, "", t0, "name", `ООО "Ромашка Софт"`, "locality", "Москва"))
	b := r.Apply(rec(model.SourceScrapeSite, 0.8, "", t0, "name", "Ромашка-Софт", "locality", "г. Москва", "employees", "150"))
	c := r.Apply(rec(model.SourceScrapeSite, 0.8, "", t0, "name", "Ромашка Софт", "locality", "Казань"))

	assert.False(t, a.Resolved)
	assert.Equal(t, "РОМАШКА СОФТ|МОСКВА", a.Key)
	assert.Equal(t, a.Key, b.Key)
	assert.NotEqual(t, a.Key, c.Key)

	companies, unresolved := r.Counts()
	assert.Equal(t, 0, companies)
	assert.Equal(t, 2, unresolved)
	assert.Empty(t, r.Admitted(Filter{}))
}

func TestApply_UnkeyableRecordSkipped(t *testing.T) {
	t.Parallel()

	r := New(DefaultConfig())
	out := r.Apply(rec(model.SourceRegistryAPI, 0.6, "", t0, "website", "acme.ru"))
	assert.True(t, out.Skipped)
}

func TestPromote(t *testing.T) {
	t.Parallel()

	r := New(DefaultConfig())
	r.Apply(rec(model.SourceScrapeSite, 0.8, sber, t0, "name", "Сбер", "address", "Москва"))
	u := r.Apply(rec(model.SourceRegistryAPI, 0.6, "", t0.Add(time.Hour), "name", "Сбербанк", "locality", "Москва", "employees", "5000", "address", "Другой"))

	out, err := r.Promote(u.Key, sber)
	require.NoError(t, err)
	assert.True(t, out.Changed)

	c, _ := r.Company(sber)
	assert.Equal(t, "Сбер", c.Fields[model.FieldName])
	assert.Equal(t, "Москва", c.Fields[model.FieldAddress])
	assert.Equal(t, "5000", c.Fields[model.FieldEmployees])
	assert.True(t, c.Admitted)
	assert.True(t, c.HasSource(model.SourceRegistryAPI))
	assert.Equal(t, t0.Add(time.Hour), c.LastMergedAt)

	_, unresolved := r.Counts()
	assert.Equal(t, 0, unresolved)

	_, err = r.Promote(u.Key, sber)
	assert.Error(t, err)
	_, err = r.Promote("x", "")
	assert.Error(t, err)
}

func TestAssignFallbackKeys(t *testing.T) {
	t.Parallel()

	r := New(DefaultConfig())
	u := r.Apply(rec(model.SourceRegistryAPI, 0.6, "", t0, "name", "Ромашка", "employees", "200"))
	ids := r.AssignFallbackKeys()
	require.Len(t, ids, 1)

	id := ids[u.Key]
	assert.Contains(t, id, "FB-")
	c, ok := r.Company(id)
	require.True(t, ok)
	assert.True(t, c.Admitted)

	again := New(DefaultConfig())
	again.Apply(rec(model.SourceRegistryAPI, 0.6, "", t0, "name", "Ромашка", "employees", "200"))
	assert.Equal(t, ids, again.AssignFallbackKeys())
}

func TestNameIndex(t *testing.T) {
	t.Parallel()

	r := New(DefaultConfig())
	r.Apply(rec(model.SourceScrapeSite, 0.8, sber, t0, "name", `ПАО "Сбербанк"`, "locality", "Москва"))
	r.Apply(rec(model.SourceScrapeSite, 0.8, "5001007329", t0, "employees", "10"))

	idx := r.NameIndex()
	assert.Equal(t, []string{sber}, idx["СБЕРБАНК|МОСКВА"])
	assert.Len(t, idx, 1)
}

func TestLoadAndSnapshot(t *testing.T) {
	t.Parallel()

	stored := model.NewCanonicalCompany(sber)
	stored.Fields[model.FieldEmployees] = "120"
	stored.FieldProvenance[model.FieldEmployees] = model.FieldProvenance{Source: model.SourceScrapeSite, Weight: 0.8, FetchedAt: t0}
	stored.AddSource(model.SourceScrapeSite)
	stored.Version = 3

	r := New(DefaultConfig())
	r.Load([]*model.CanonicalCompany{stored}, []*model.UnresolvedCompany{{
		FallbackKey: "РОМАШКА|", NormalizedName: "РОМАШКА", Company: model.NewCanonicalCompany(""),
	}})

	snap := r.Snapshot([]string{sber, "missing"})
	require.Len(t, snap, 1)
	assert.True(t, snap[0].Admitted)
	assert.Equal(t, int64(3), snap[0].Version)

	out := r.Apply(rec(model.SourceRegistryAPI, 0.6, "", t0, "name", "Ромашка"))
	assert.Equal(t, "РОМАШКА|", out.Key)
	assert.Len(t, r.SnapshotUnresolved([]string{"РОМАШКА|"}), 1)
}

func TestApply_ConcurrentSameKey(t *testing.T) {
	t.Parallel()

	r := New(DefaultConfig())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			src := model.AllSources[i%len(model.AllSources)]
			w := map[model.SourceID]float64{model.SourceRegistryAPI: 0.6, model.SourceScrapeSite: 0.8, model.SourceEnrichment: 0.9}[src]
			r.Apply(rec(src, w, sber, t0.Add(time.Duration(i)*time.Second), "name", string(src)))
			r.Apply(rec(src, w, fmt.Sprintf("FB-%d", i), t0, "name", "x"))
		}(i)
	}
	wg.Wait()

	c, _ := r.Company(sber)
	assert.Equal(t, string(model.SourceEnrichment), c.Fields[model.FieldName])
	assert.Len(t, c.ContributingSources, 3)
	companies, _ := r.Counts()
	assert.Equal(t, 51, companies)
}
