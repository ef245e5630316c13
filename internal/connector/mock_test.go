package connector

import (
	"context"
	"errors"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/registry-cli/internal/model"
	"github.com/sells-group/registry-cli/internal/resilience"
	"github.com/sells-group/registry-cli/pkg/dadata"
	"github.com/sells-group/registry-cli/pkg/employers"
)

// --- Employer directory mock ---

type mockEmployers struct {
	mock.Mock
}

func (m *mockEmployers) List(ctx context.Context, q employers.ListQuery) (*employers.ListResponse, error) {
	args := m.Called(ctx, q)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*employers.ListResponse), args.Error(1)
}

func (m *mockEmployers) Get(ctx context.Context, id string) (*employers.Employer, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*employers.Employer), args.Error(1)
}

// --- Lookup service mock ---

type mockDadata struct {
	mock.Mock
}

func (m *mockDadata) FindByID(ctx context.Context, registryID string) (*dadata.Party, error) {
	args := m.Called(ctx, registryID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*dadata.Party), args.Error(1)
}

func (m *mockDadata) Suggest(ctx context.Context, req dadata.SuggestRequest) ([]dadata.Party, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]dadata.Party), args.Error(1)
}

// testController is unthrottled with millisecond backoff.
func testController(source model.SourceID, threshold int) *resilience.Controller {
	return resilience.NewController(resilience.ControllerConfig{
		Source:      source,
		BackoffBase: time.Millisecond,
		BackoffMax:  time.Millisecond,
		Circuit: resilience.CircuitBreakerConfig{
			FailureThreshold: threshold,
			Cooldown:         time.Minute,
		},
	})
}

func transient(msg string) error {
	return &resilience.TransientFetchError{Err: errors.New(msg), StatusCode: 503}
}
