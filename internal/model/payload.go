package model

import "time"

// Payload is the raw, source-specific shape returned by a connector. Only
// the normalizer looks inside; everything downstream works on SourceRecord.
type Payload interface {
	Source() SourceID
	// ObservedAt is the time the payload was fetched.
	ObservedAt() time.Time
}

// EmployerPayload is an employer document from the REST directory.
type EmployerPayload struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	RegistryID   string    `json:"registry_id,omitempty"`
	Description  string    `json:"description,omitempty"`
	Area         string    `json:"area,omitempty"`
	Industries   []string  `json:"industries,omitempty"`
	SiteURL      string    `json:"site_url,omitempty"`
	AlternateURL string    `json:"alternate_url,omitempty"`
	Segment      string    `json:"segment,omitempty"`
	FetchedAt    time.Time `json:"fetched_at"`
}

func (p EmployerPayload) Source() SourceID      { return SourceRegistryAPI }
func (p EmployerPayload) ObservedAt() time.Time { return p.FetchedAt }

// RegistryPagePayload is the parsed content of one organization page on the
// business-registry site. Values are kept as the raw cell text.
type RegistryPagePayload struct {
	URL          string            `json:"url"`
	Title        string            `json:"title"`
	INN          string            `json:"inn,omitempty"`
	OGRN         string            `json:"ogrn,omitempty"`
	ActivityCode string            `json:"activity_code,omitempty"`
	Employees    string            `json:"employees,omitempty"`
	Revenue      string            `json:"revenue,omitempty"`
	Address      string            `json:"address,omitempty"`
	Status       string            `json:"status,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
	FetchedAt    time.Time         `json:"fetched_at"`
}

func (p RegistryPagePayload) Source() SourceID      { return SourceScrapeSite }
func (p RegistryPagePayload) ObservedAt() time.Time { return p.FetchedAt }

// EnrichmentPayload is a party document from the lookup service.
type EnrichmentPayload struct {
	INN            string    `json:"inn"`
	OGRN           string    `json:"ogrn,omitempty"`
	FullName       string    `json:"full_name,omitempty"`
	ShortName      string    `json:"short_name,omitempty"`
	Okved          string    `json:"okved,omitempty"`
	Address        string    `json:"address,omitempty"`
	Region         string    `json:"region,omitempty"`
	City           string    `json:"city,omitempty"`
	Status         string    `json:"status,omitempty"`
	EmployeeCount  string    `json:"employee_count,omitempty"`
	ManagementName string    `json:"management_name,omitempty"`
	ManagementPost string    `json:"management_post,omitempty"`
	FetchedAt      time.Time `json:"fetched_at"`
}

func (p EnrichmentPayload) Source() SourceID      { return SourceEnrichment }
func (p EnrichmentPayload) ObservedAt() time.Time { return p.FetchedAt }
