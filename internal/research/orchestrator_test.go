package research

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parcelscope/property-research/internal/model"
	"github.com/parcelscope/property-research/pkg/perplexity"
)

// fakeClient routes each research call through a per-test function.
type fakeClient struct {
	research func(ctx context.Context, req perplexity.ResearchRequest) (*perplexity.ResearchResponse, error)
}

func (f *fakeClient) ChatCompletion(ctx context.Context, req perplexity.ChatCompletionRequest) (*perplexity.ChatCompletionResponse, error) {
	return nil, nil
}

func (f *fakeClient) Research(ctx context.Context, req perplexity.ResearchRequest) (*perplexity.ResearchResponse, error) {
	return f.research(ctx, req)
}

func (f *fakeClient) Ping(ctx context.Context) error { return nil }

func testRoles() []model.QueryRole {
	return []model.QueryRole{
		{ID: "alpha", PromptTemplate: "alpha: {address}, {city}, {state}", ExpectedFields: []string{"f1"}},
		{ID: "beta", PromptTemplate: "beta: {address}, {city}, {state}", ExpectedFields: []string{"f2"}},
		{ID: "gamma", PromptTemplate: "gamma: {city}, {state}", ExpectedFields: []string{"f3"}},
	}
}

var testSubject = model.Subject{Address: "123 Main St", City: "Austin", State: "TX"}

func TestRunAllSucceed(t *testing.T) {
	client := &fakeClient{
		research: func(ctx context.Context, req perplexity.ResearchRequest) (*perplexity.ResearchResponse, error) {
			return &perplexity.ResearchResponse{
				Text:      `{"f1": 1, "f2": 2, "f3": 3}`,
				Citations: []string{"https://a", "https://b"},
			}, nil
		},
	}

	o, err := New(client, testRoles(), Config{
		Deadline:    5 * time.Second,
		UnitCostUSD: 0.005,
	})
	require.NoError(t, err)

	result, err := o.Run(context.Background(), testSubject)
	require.NoError(t, err)

	assert.Equal(t, []string{"alpha", "beta", "gamma"}, result.RoleIDs)
	assert.Equal(t, 3, result.Metadata.TotalRoles)
	assert.Equal(t, 3, result.Metadata.Succeeded)
	assert.Equal(t, 0, result.Metadata.Failed)
	assert.Equal(t, 0, result.Metadata.TimedOut)
	assert.False(t, result.Metadata.DeadlineExceeded)
	assert.InDelta(t, 0.015, result.Metadata.CostUSD, 1e-9)

	for _, id := range result.RoleIDs {
		r := result.Roles[id]
		require.NotNil(t, r, "role %s missing from result", id)
		assert.Equal(t, model.RoleStatusSuccess, r.Status)
		assert.Equal(t, model.ParseDirectJSON, r.ParseMethod)
		assert.Equal(t, 2, r.CitationCount)
	}
}

func TestRunPartialFailure(t *testing.T) {
	client := &fakeClient{
		research: func(ctx context.Context, req perplexity.ResearchRequest) (*perplexity.ResearchResponse, error) {
			if strings.HasPrefix(req.Prompt, "beta") {
				return nil, &perplexity.APIError{Status: 500, Body: "upstream exploded"}
			}
			return &perplexity.ResearchResponse{Text: `{"ok": true}`}, nil
		},
	}

	o, err := New(client, testRoles(), Config{Deadline: 5 * time.Second})
	require.NoError(t, err)

	result, err := o.Run(context.Background(), testSubject)
	require.NoError(t, err, "partial failure must not surface as an error")

	assert.Equal(t, 2, result.Metadata.Succeeded)
	assert.Equal(t, 1, result.Metadata.Failed)
	assert.Equal(t, 0, result.Metadata.TimedOut)

	failed := result.Roles["beta"]
	require.NotNil(t, failed)
	assert.Equal(t, model.RoleStatusError, failed.Status)
	assert.Equal(t, model.ParseFailed, failed.ParseMethod)
	assert.Contains(t, failed.Error, "upstream exploded")
}

func TestRunDeadline(t *testing.T) {
	const deadline = 150 * time.Millisecond

	client := &fakeClient{
		research: func(ctx context.Context, req perplexity.ResearchRequest) (*perplexity.ResearchResponse, error) {
			if strings.HasPrefix(req.Prompt, "gamma") {
				// Hang until cancelled.
				<-ctx.Done()
				return nil, perplexity.ErrTimeout
			}
			return &perplexity.ResearchResponse{Text: `{"ok": true}`}, nil
		},
	}

	o, err := New(client, testRoles(), Config{Deadline: deadline})
	require.NoError(t, err)

	start := time.Now()
	result, err := o.Run(context.Background(), testSubject)
	elapsed := time.Since(start)
	require.NoError(t, err)

	// The hung role must not extend the batch past the shared deadline.
	assert.Less(t, elapsed, deadline+500*time.Millisecond)
	assert.GreaterOrEqual(t, result.Metadata.ElapsedSeconds, (deadline - deadlineEpsilon).Seconds())
	assert.True(t, result.Metadata.DeadlineExceeded)

	assert.Equal(t, 2, result.Metadata.Succeeded)
	assert.Equal(t, 1, result.Metadata.TimedOut)
	assert.Equal(t, model.RoleStatusTimeout, result.Roles["gamma"].Status)
}

func TestRunCountsInvariant(t *testing.T) {
	client := &fakeClient{
		research: func(ctx context.Context, req perplexity.ResearchRequest) (*perplexity.ResearchResponse, error) {
			switch {
			case strings.HasPrefix(req.Prompt, "alpha"):
				return &perplexity.ResearchResponse{Text: "{}"}, nil
			case strings.HasPrefix(req.Prompt, "beta"):
				return nil, perplexity.ErrTimeout
			default:
				return nil, &perplexity.APIError{Status: 429, Body: "rate limited"}
			}
		},
	}

	o, err := New(client, testRoles(), Config{Deadline: 5 * time.Second})
	require.NoError(t, err)

	result, err := o.Run(context.Background(), testSubject)
	require.NoError(t, err)

	m := result.Metadata
	assert.Equal(t, m.TotalRoles, m.Succeeded+m.Failed+m.TimedOut)
	assert.Equal(t, 1, m.Succeeded)
	assert.Equal(t, 1, m.Failed)
	assert.Equal(t, 1, m.TimedOut)
	assert.Len(t, result.Roles, 3)
}

// Role order in the result tracks the declared role list, not completion
// order.
func TestRunDeterministicOrder(t *testing.T) {
	client := &fakeClient{
		research: func(ctx context.Context, req perplexity.ResearchRequest) (*perplexity.ResearchResponse, error) {
			// Invert completion order: alpha slowest.
			switch {
			case strings.HasPrefix(req.Prompt, "alpha"):
				time.Sleep(60 * time.Millisecond)
			case strings.HasPrefix(req.Prompt, "beta"):
				time.Sleep(30 * time.Millisecond)
			}
			return &perplexity.ResearchResponse{Text: "{}"}, nil
		},
	}

	o, err := New(client, testRoles(), Config{Deadline: 5 * time.Second})
	require.NoError(t, err)

	for range 3 {
		result, err := o.Run(context.Background(), testSubject)
		require.NoError(t, err)
		assert.Equal(t, []string{"alpha", "beta", "gamma"}, result.RoleIDs)
	}
}

func TestNewNoRoles(t *testing.T) {
	_, err := New(&fakeClient{}, nil, Config{})
	assert.ErrorIs(t, err, ErrNoRoles)
}

func TestNewEmptyTemplate(t *testing.T) {
	_, err := New(&fakeClient{}, []model.QueryRole{{ID: "bad"}}, Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no prompt template")
}

func TestRunMissingParam(t *testing.T) {
	o, err := New(&fakeClient{
		research: func(ctx context.Context, req perplexity.ResearchRequest) (*perplexity.ResearchResponse, error) {
			return &perplexity.ResearchResponse{Text: "{}"}, nil
		},
	}, testRoles(), Config{Deadline: time.Second})
	require.NoError(t, err)

	_, err = o.Run(context.Background(), model.Subject{Address: "123 Main St", State: "TX"})
	assert.ErrorIs(t, err, ErrMissingParam)
}

func TestCallTimeoutClampedToDeadline(t *testing.T) {
	o, err := New(&fakeClient{}, testRoles(), Config{
		Deadline:    2 * time.Second,
		CallTimeout: time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, o.cfg.CallTimeout)
}
