// Package normalize turns source payloads into SourceRecords. It is pure:
// no I/O, no clocks, and the same payload always yields the same record.
package normalize

import (
	"strconv"
	"strings"

	"github.com/sells-group/registry-cli/internal/model"
)

// Weights maps each source to the confidence stamped on its records.
type Weights map[model.SourceID]float64

// DefaultWeights ranks the lookup service above the registry site above
// the employer directory.
func DefaultWeights() Weights {
	return Weights{
		model.SourceRegistryAPI: 0.6,
		model.SourceScrapeSite:  0.8,
		model.SourceEnrichment:  0.9,
	}
}

// Weight returns the confidence for src, or 0.5 for an unconfigured source.
func (w Weights) Weight(src model.SourceID) float64 {
	if v, ok := w[src]; ok {
		return v
	}
	return 0.5
}

// Normalizer maps payloads onto the canonical field set.
type Normalizer struct {
	weights Weights
}

// New creates a Normalizer. A nil weights map uses DefaultWeights.
func New(weights Weights) *Normalizer {
	if weights == nil {
		weights = DefaultWeights()
	}
	return &Normalizer{weights: weights}
}

// Result is a normalized record plus the validation problems that degraded it.
type Result struct {
	Record model.SourceRecord
	Errors []error
}

// Normalize converts p into a SourceRecord. Fields that fail validation are
// left absent and reported in Result.Errors; the record itself is kept.
func (n *Normalizer) Normalize(p model.Payload) Result {
	b := &builder{
		rec: model.SourceRecord{
			Source:     p.Source(),
			Fields:     make(map[model.FieldKey]string),
			FetchedAt:  p.ObservedAt().UTC(),
			Confidence: n.weights.Weight(p.Source()),
		},
	}

	switch v := p.(type) {
	case model.EmployerPayload:
		b.employer(v)
	case *model.EmployerPayload:
		b.employer(*v)
	case model.RegistryPagePayload:
		b.registryPage(v)
	case *model.RegistryPagePayload:
		b.registryPage(*v)
	case model.EnrichmentPayload:
		b.enrichment(v)
	case *model.EnrichmentPayload:
		b.enrichment(*v)
	}
	return Result{Record: b.rec, Errors: b.errs}
}

type builder struct {
	rec  model.SourceRecord
	errs []error
}

// set stores a non-empty value for a known field; everything else is dropped.
func (b *builder) set(key model.FieldKey, value string) {
	value = strings.TrimSpace(value)
	if value == "" || !model.IsKnownField(key) {
		return
	}
	b.rec.Fields[key] = value
}

func (b *builder) registryID(raw string) {
	id, err := RegistryID(raw)
	if err != nil {
		b.errs = append(b.errs, err)
		return
	}
	b.rec.RegistryID = id
}

func (b *builder) registration(raw string) {
	v, err := RegistrationNumber(raw)
	if err != nil {
		b.errs = append(b.errs, err)
		return
	}
	b.set(model.FieldRegistrationNumber, v)
}

func (b *builder) activity(raw string) {
	v, err := ActivityCode(raw)
	if err != nil {
		b.errs = append(b.errs, err)
		return
	}
	b.set(model.FieldActivityCode, v)
}

func (b *builder) employees(raw string) {
	if n, ok := EmployeeMinimum(raw); ok {
		b.set(model.FieldEmployees, strconv.Itoa(n))
	}
}

func (b *builder) employer(p model.EmployerPayload) {
	b.rec.ExternalID = strings.TrimSpace(p.ID)
	b.registryID(p.RegistryID)
	b.set(model.FieldName, DisplayName(p.Name))
	desc := Description(p.Description)
	b.set(model.FieldDescription, desc)
	b.set(model.FieldLocality, DisplayName(p.Area))
	b.set(model.FieldWebsite, Website(p.SiteURL))
	if len(p.Industries) > 0 {
		inds := make([]string, 0, len(p.Industries))
		for _, ind := range p.Industries {
			if ind = DisplayName(ind); ind != "" {
				inds = append(inds, ind)
			}
		}
		b.set(model.FieldIndustries, strings.Join(inds, "; "))
	}
	if n, ok := EmployeesFromDescription(desc); ok {
		b.set(model.FieldEmployees, strconv.Itoa(n))
	}
}

func (b *builder) registryPage(p model.RegistryPagePayload) {
	b.rec.ExternalID = strings.TrimSpace(p.URL)
	b.registryID(p.INN)
	b.set(model.FieldName, DisplayName(p.Title))
	b.registration(p.OGRN)
	b.activity(p.ActivityCode)
	b.employees(p.Employees)
	if v, ok := Revenue(p.Revenue); ok {
		b.set(model.FieldRevenue, v)
	}
	addr := DisplayName(p.Address)
	b.set(model.FieldAddress, addr)
	b.set(model.FieldLocality, LocalityFromAddress(addr))
	b.set(model.FieldStatus, Status(p.Status))
}

func (b *builder) enrichment(p model.EnrichmentPayload) {
	b.rec.ExternalID = strings.TrimSpace(p.INN)
	b.registryID(p.INN)
	b.set(model.FieldLegalName, DisplayName(p.FullName))
	b.set(model.FieldName, DisplayName(p.ShortName))
	b.registration(p.OGRN)
	b.activity(p.Okved)
	addr := DisplayName(p.Address)
	b.set(model.FieldAddress, addr)
	locality := DisplayName(p.City)
	if locality == "" {
		locality = LocalityFromAddress(addr)
	}
	if locality == "" {
		locality = DisplayName(p.Region)
	}
	b.set(model.FieldLocality, locality)
	b.set(model.FieldStatus, Status(p.Status))
	b.employees(p.EmployeeCount)
}
