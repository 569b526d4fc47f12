package middleware

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"aide.dev/aide/kernel/model"
)

type stubClient struct {
	err   error
	calls int
}

func (c *stubClient) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return stubStream{}, nil
}

type stubStream struct{}

func (stubStream) Recv() (model.Chunk, error) { return model.Chunk{}, io.EOF }
func (stubStream) Close() error               { return nil }
func (stubStream) Metadata() map[string]any   { return nil }

func TestMiddlewareDelegates(t *testing.T) {
	next := &stubClient{}
	limited := NewAdaptiveRateLimiter(60000, 0).Middleware()(next)

	stream, err := limited.Stream(context.Background(), model.Request{System: "sys"})
	require.NoError(t, err)
	require.NotNil(t, stream)
	require.Equal(t, 1, next.calls)
}

func TestMiddlewareNilClient(t *testing.T) {
	require.Nil(t, NewAdaptiveRateLimiter(60000, 0).Middleware()(nil))
}

func TestBackoffHalvesOnRateLimit(t *testing.T) {
	l := NewAdaptiveRateLimiter(60000, 120000)
	next := &stubClient{err: model.ErrRateLimited}
	limited := l.Middleware()(next)

	_, err := limited.Stream(context.Background(), model.Request{})
	require.ErrorIs(t, err, model.ErrRateLimited)
	require.Equal(t, 30000.0, l.CurrentTPM())

	_, _ = limited.Stream(context.Background(), model.Request{})
	require.Equal(t, 15000.0, l.CurrentTPM())
}

func TestBackoffFloorsAtMinimum(t *testing.T) {
	l := NewAdaptiveRateLimiter(60000, 0)
	for i := 0; i < 20; i++ {
		l.backoff()
	}
	require.Equal(t, 6000.0, l.CurrentTPM(), "budget never drops below a tenth of the initial TPM")
}

func TestProbeRecoversAfterSuccess(t *testing.T) {
	l := NewAdaptiveRateLimiter(60000, 120000)
	l.backoff()
	require.Equal(t, 30000.0, l.CurrentTPM())

	next := &stubClient{}
	limited := l.Middleware()(next)
	_, err := limited.Stream(context.Background(), model.Request{})
	require.NoError(t, err)
	require.Equal(t, 33000.0, l.CurrentTPM(), "each success adds the recovery increment")
}

func TestProbeCapsAtMaximum(t *testing.T) {
	l := NewAdaptiveRateLimiter(60000, 61000)
	l.probe() // +3000 capped at 61000
	require.Equal(t, 61000.0, l.CurrentTPM())
	l.probe()
	require.Equal(t, 61000.0, l.CurrentTPM())
}

func TestNonRateLimitErrorsDoNotBackOff(t *testing.T) {
	l := NewAdaptiveRateLimiter(60000, 0)
	next := &stubClient{err: errors.New("boom")}
	_, err := l.Middleware()(next).Stream(context.Background(), model.Request{})
	require.Error(t, err)
	require.Equal(t, 60000.0, l.CurrentTPM())
}

func TestWaitRespectsContext(t *testing.T) {
	// A tiny budget cannot cover a large request, so the wait must end with
	// the context instead of blocking forever.
	l := NewAdaptiveRateLimiter(1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.Middleware()(&stubClient{}).Stream(ctx, model.Request{System: strings.Repeat("x", 30000)})
	require.Error(t, err)
}

func TestEstimateTokens(t *testing.T) {
	require.Equal(t, 500, estimateTokens(model.Request{}))
	req := model.Request{
		System:   strings.Repeat("a", 300),
		Messages: []model.Message{{Role: model.RoleUser, Content: strings.Repeat("b", 300)}},
	}
	require.Equal(t, 200+500, estimateTokens(req))
}
