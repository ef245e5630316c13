package model

import (
	"maps"
	"slices"
	"time"
)

// FieldProvenance records which source supplied the current value of a field.
type FieldProvenance struct {
	Source    SourceID  `json:"source"`
	Weight    float64   `json:"weight"`
	FetchedAt time.Time `json:"fetched_at"`
}

// CanonicalCompany is the merged view of one organization, keyed by its
// registry id. Every entry in Fields has a matching FieldProvenance entry.
type CanonicalCompany struct {
	RegistryID               string                       `json:"registry_id"`
	Fields                   map[FieldKey]string          `json:"fields"`
	ContributingSources      []SourceID                   `json:"contributing_sources"`
	FieldProvenance          map[FieldKey]FieldProvenance `json:"field_provenance"`
	LastMergedAt             time.Time                    `json:"last_merged_at"`
	EmployeeCountMinEstimate *int                         `json:"employee_count_min_estimate,omitempty"`
	Admitted                 bool                         `json:"admitted"`
	Version                  int64                        `json:"version"`
}

// NewCanonicalCompany returns an empty company for registryID.
func NewCanonicalCompany(registryID string) *CanonicalCompany {
	return &CanonicalCompany{
		RegistryID:      registryID,
		Fields:          make(map[FieldKey]string),
		FieldProvenance: make(map[FieldKey]FieldProvenance),
	}
}

// Clone returns a deep copy.
func (c *CanonicalCompany) Clone() *CanonicalCompany {
	if c == nil {
		return nil
	}
	out := *c
	out.Fields = maps.Clone(c.Fields)
	out.FieldProvenance = maps.Clone(c.FieldProvenance)
	out.ContributingSources = slices.Clone(c.ContributingSources)
	if c.EmployeeCountMinEstimate != nil {
		v := *c.EmployeeCountMinEstimate
		out.EmployeeCountMinEstimate = &v
	}
	if out.Fields == nil {
		out.Fields = make(map[FieldKey]string)
	}
	if out.FieldProvenance == nil {
		out.FieldProvenance = make(map[FieldKey]FieldProvenance)
	}
	return &out
}

// AddSource inserts src into ContributingSources, keeping it sorted and
// duplicate free. It reports whether the set changed.
func (c *CanonicalCompany) AddSource(src SourceID) bool {
	i, found := slices.BinarySearch(c.ContributingSources, src)
	if found {
		return false
	}
	c.ContributingSources = slices.Insert(c.ContributingSources, i, src)
	return true
}

// HasSource reports whether src has contributed to this company.
func (c *CanonicalCompany) HasSource(src SourceID) bool {
	_, found := slices.BinarySearch(c.ContributingSources, src)
	return found
}

// MissingFields returns the keys from want that have no value.
func (c *CanonicalCompany) MissingFields(want ...FieldKey) []FieldKey {
	var out []FieldKey
	for _, k := range want {
		if c.Fields[k] == "" {
			out = append(out, k)
		}
	}
	return out
}

// UnresolvedCompany is merge state for an organization without a valid
// registry id, keyed by a fallback key derived from name and locality.
type UnresolvedCompany struct {
	FallbackKey    string              `json:"fallback_key"`
	NormalizedName string              `json:"normalized_name"`
	Locality       string              `json:"locality"`
	Company        *CanonicalCompany   `json:"company"`
	ExternalIDs    map[SourceID]string `json:"external_ids,omitempty"`
	Attempts       int                 `json:"attempts"`
}

// Clone returns a deep copy.
func (u *UnresolvedCompany) Clone() *UnresolvedCompany {
	if u == nil {
		return nil
	}
	out := *u
	out.Company = u.Company.Clone()
	out.ExternalIDs = maps.Clone(u.ExternalIDs)
	return &out
}
