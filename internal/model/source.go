// Package model holds the shared domain types for the registry reconciler.
package model

import "time"

// SourceID identifies an upstream data source.
type SourceID string

const (
	// SourceRegistryAPI is the paginated REST employer directory.
	SourceRegistryAPI SourceID = "registry_api"
	// SourceScrapeSite is the public business-registry website.
	SourceScrapeSite SourceID = "scrape_site"
	// SourceEnrichment is the batch lookup service keyed by registry id.
	SourceEnrichment SourceID = "enrichment"
)

// AllSources lists every known source in a stable order.
var AllSources = []SourceID{SourceRegistryAPI, SourceScrapeSite, SourceEnrichment}

// Valid reports whether s is a known source.
func (s SourceID) Valid() bool {
	switch s {
	case SourceRegistryAPI, SourceScrapeSite, SourceEnrichment:
		return true
	}
	return false
}

func (s SourceID) String() string { return string(s) }

// FieldKey is a canonical field name. Records only ever carry keys from
// the fixed set below.
type FieldKey string

const (
	FieldName               FieldKey = "name"
	FieldLegalName          FieldKey = "legal_name"
	FieldActivityCode       FieldKey = "activity_code"
	FieldEmployees          FieldKey = "employees"
	FieldAddress            FieldKey = "address"
	FieldLocality           FieldKey = "locality"
	FieldWebsite            FieldKey = "website"
	FieldDescription        FieldKey = "description"
	FieldRegistrationNumber FieldKey = "registration_number"
	FieldStatus             FieldKey = "status"
	FieldRevenue            FieldKey = "revenue"
	FieldIndustries         FieldKey = "industries"
)

// KnownFields is the fixed set of canonical field keys.
var KnownFields = []FieldKey{
	FieldName, FieldLegalName, FieldActivityCode, FieldEmployees,
	FieldAddress, FieldLocality, FieldWebsite, FieldDescription,
	FieldRegistrationNumber, FieldStatus, FieldRevenue, FieldIndustries,
}

var knownFieldSet = func() map[FieldKey]struct{} {
	m := make(map[FieldKey]struct{}, len(KnownFields))
	for _, k := range KnownFields {
		m[k] = struct{}{}
	}
	return m
}()

// IsKnownField reports whether k belongs to the canonical field set.
func IsKnownField(k FieldKey) bool {
	_, ok := knownFieldSet[k]
	return ok
}

// SourceRecord is one normalized observation of an organization from a
// single source. Records are ephemeral: they are merged and discarded.
type SourceRecord struct {
	Source     SourceID            `json:"source"`
	ExternalID string              `json:"external_id"`
	RegistryID string              `json:"registry_id,omitempty"`
	Fields     map[FieldKey]string `json:"fields"`
	FetchedAt  time.Time           `json:"fetched_at"`
	Confidence float64             `json:"confidence"`
}

// HasRegistryID reports whether the record carries a validated registry id.
func (r SourceRecord) HasRegistryID() bool {
	return r.RegistryID != ""
}

// Field returns the value for key or "" when absent.
func (r SourceRecord) Field(key FieldKey) string {
	if r.Fields == nil {
		return ""
	}
	return r.Fields[key]
}
