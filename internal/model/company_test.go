package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalCompany_AddSourceSortedUnique(t *testing.T) {
	t.Parallel()

	c := NewCanonicalCompany("7707083893")
	assert.True(t, c.AddSource(SourceScrapeSite))
	assert.True(t, c.AddSource(SourceEnrichment))
	assert.True(t, c.AddSource(SourceRegistryAPI))
	assert.False(t, c.AddSource(SourceScrapeSite))

	assert.Equal(t, []SourceID{SourceEnrichment, SourceRegistryAPI, SourceScrapeSite}, c.ContributingSources)
	assert.True(t, c.HasSource(SourceRegistryAPI))
}

func TestCanonicalCompany_CloneIsDeep(t *testing.T) {
	t.Parallel()

	est := 250
	c := NewCanonicalCompany("7707083893")
	c.Fields[FieldName] = "Acme"
	c.FieldProvenance[FieldName] = FieldProvenance{Source: SourceScrapeSite, Weight: 0.8, FetchedAt: time.Now()}
	c.AddSource(SourceScrapeSite)
	c.EmployeeCountMinEstimate = &est

	cp := c.Clone()
	require.NotNil(t, cp)
	cp.Fields[FieldName] = "Other"
	cp.AddSource(SourceEnrichment)
	*cp.EmployeeCountMinEstimate = 1

	assert.Equal(t, "Acme", c.Fields[FieldName])
	assert.Len(t, c.ContributingSources, 1)
	assert.Equal(t, 250, *c.EmployeeCountMinEstimate)
}

func TestCanonicalCompany_CloneNil(t *testing.T) {
	t.Parallel()

	var c *CanonicalCompany
	assert.Nil(t, c.Clone())
}

func TestCanonicalCompany_MissingFields(t *testing.T) {
	t.Parallel()

	c := NewCanonicalCompany("7707083893")
	c.Fields[FieldName] = "Acme"
	assert.Equal(t, []FieldKey{FieldEmployees, FieldAddress}, c.MissingFields(FieldName, FieldEmployees, FieldAddress))
}

func TestIsKnownField(t *testing.T) {
	t.Parallel()

	assert.True(t, IsKnownField(FieldEmployees))
	assert.False(t, IsKnownField("ceo_salary"))
}

func TestSourceID_Valid(t *testing.T) {
	t.Parallel()

	for _, s := range AllSources {
		assert.True(t, s.Valid(), s)
	}
	assert.False(t, SourceID("fax").Valid())
}

func TestRunStatus_Finished(t *testing.T) {
	t.Parallel()

	assert.True(t, RunStatusComplete.Finished())
	assert.False(t, RunStatusInterrupted.Finished())
	assert.False(t, RunStatusFailed.Finished())
	assert.False(t, RunStatusRunning.Finished())
}

func TestPayloadSources(t *testing.T) {
	t.Parallel()

	now := time.Now()
	cases := []struct {
		p    Payload
		want SourceID
	}{
		{EmployerPayload{FetchedAt: now}, SourceRegistryAPI},
		{RegistryPagePayload{FetchedAt: now}, SourceScrapeSite},
		{EnrichmentPayload{FetchedAt: now}, SourceEnrichment},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.p.Source())
		assert.Equal(t, now, tc.p.ObservedAt())
	}
}
