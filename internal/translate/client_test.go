package translate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/anbu0809/strata-migrate/internal/db"
	"github.com/anbu0809/strata-migrate/internal/errs"
	"github.com/anbu0809/strata-migrate/internal/metrics"
)

// mockService is a testify mock of the translation service.
type mockService struct {
	mock.Mock
}

func (m *mockService) Translate(ctx context.Context, req Request) (Response, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(Response), args.Error(1)
}

func fastRetry() db.RetryPolicy {
	return db.RetryPolicy{MaxRetries: 3, Initial: time.Millisecond, MaxInterval: time.Millisecond}
}

func TestClientCachesAcrossEntries(t *testing.T) {
	svc := &mockService{}
	svc.On("Translate", mock.Anything, mock.Anything).Return(Response{Fragment: "GEOMETRY", Confidence: 0.9}, nil).Once()
	store := metrics.NewStore()
	c := NewClient(svc, ClientOptions{Provider: "http", Retry: fastRetry(), Metrics: store, Logger: zaptest.NewLogger(t)})

	first := columnRequest()
	second := columnRequest()
	second.EntryID = "COLUMN_MISSING:shapes.area"

	r1, err := c.Translate(context.Background(), first)
	require.NoError(t, err)
	r2, err := c.Translate(context.Background(), second)
	require.NoError(t, err)

	assert.Equal(t, r1, r2)
	svc.AssertExpectations(t)
	assert.Equal(t, 1.0, testutil.ToFloat64(store.TranslatorRequests.WithLabelValues("http", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(store.TranslatorRequests.WithLabelValues("http", "cached")))
}

func TestClientRetriesTemporaryFailures(t *testing.T) {
	svc := &mockService{}
	svc.On("Translate", mock.Anything, mock.Anything).Return(Response{}, &StatusError{Code: 503}).Twice()
	svc.On("Translate", mock.Anything, mock.Anything).Return(Response{Fragment: "TEXT", Confidence: 1}, nil).Once()
	c := NewClient(svc, ClientOptions{Retry: fastRetry(), Logger: zaptest.NewLogger(t)})

	resp, err := c.Translate(context.Background(), columnRequest())
	require.NoError(t, err)
	assert.Equal(t, "TEXT", resp.Fragment)
	svc.AssertNumberOfCalls(t, "Translate", 3)
}

func TestClientRetriesMalformedAnswers(t *testing.T) {
	svc := &mockService{}
	svc.On("Translate", mock.Anything, mock.Anything).Return(Response{}, &MalformedError{Reason: "not json"}).Once()
	svc.On("Translate", mock.Anything, mock.Anything).Return(Response{Fragment: "TEXT", Confidence: 1}, nil).Once()
	c := NewClient(svc, ClientOptions{Retry: fastRetry(), Logger: zaptest.NewLogger(t)})

	_, err := c.Translate(context.Background(), columnRequest())
	require.NoError(t, err)
	svc.AssertNumberOfCalls(t, "Translate", 2)
}

func TestClientFailuresAreTranslationErrors(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		calls int
	}{
		{"permanent status", &StatusError{Code: 401, Body: "bad token"}, 1},
		{"retry ceiling", &StatusError{Code: 500}, 4},
		{"plain error", errors.New("boom"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockService{}
			svc.On("Translate", mock.Anything, mock.Anything).Return(Response{}, tt.err)
			c := NewClient(svc, ClientOptions{Retry: fastRetry(), Logger: zaptest.NewLogger(t)})

			_, err := c.Translate(context.Background(), columnRequest())
			require.Error(t, err)
			assert.Equal(t, errs.KindTranslation, errs.KindOf(err))
			svc.AssertNumberOfCalls(t, "Translate", tt.calls)
		})
	}
}

func TestClientTimesOutSlowCalls(t *testing.T) {
	svc := &mockService{}
	svc.On("Translate", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		<-args.Get(0).(context.Context).Done()
	}).Return(Response{}, context.DeadlineExceeded)
	c := NewClient(svc, ClientOptions{Timeout: 5 * time.Millisecond, Retry: db.RetryPolicy{MaxRetries: 1, Initial: time.Millisecond}, Logger: zaptest.NewLogger(t)})

	_, err := c.Translate(context.Background(), columnRequest())
	require.Error(t, err)
	assert.Equal(t, errs.KindTranslation, errs.KindOf(err))
	svc.AssertNumberOfCalls(t, "Translate", 2)
}
