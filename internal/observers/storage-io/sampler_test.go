package storageio

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openstack-archive/stx-utils/internal/observers/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const sampleOutput = `Linux 5.10.0 (controller-0) 	10/18/26 	_x86_64_	(8 CPU)

10/18/26 10:00:00
Device:         rrqm/s   wrqm/s     r/s     w/s    rkB/s    wkB/s avgrq-sz avgqu-sz   await r_await w_await  svctm  %util
  sda               0.00     0.00    1.00    2.00     4.00     8.00     8.00     0.00    1.00    1.00    1.00   0.50   0.10

`

func newTestSampler(t *testing.T, run commandRunner) *Sampler {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ProcessingTimeout = time.Second
	s, err := NewSampler(cfg, zap.NewNop())
	require.NoError(t, err)

	s.run = run
	s.retry = common.NewRetryManager(common.RetryConfig{
		MaxRetries:   2,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		Multiplier:   1,
	})
	return s
}

func TestSampler_Sample(t *testing.T) {
	var gotName string
	var gotArgs []string
	s := newTestSampler(t, func(ctx context.Context, name string, args ...string) ([]byte, error) {
		gotName, gotArgs = name, args
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline, "runs are bounded by the processing timeout")
		return []byte(sampleOutput), nil
	})

	lines, err := s.Sample(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "iostat", gotName)
	assert.Equal(t, []string{"-dx", "-t", "-p", "ALL"}, gotArgs)
	require.Len(t, lines, 3)
	assert.Equal(t, "10/18/26 10:00:00", lines[0])
	assert.Equal(t, "sda               0.00     0.00    1.00    2.00     4.00     8.00     8.00     0.00    1.00    1.00    1.00   0.50   0.10", lines[2])
}

func TestSampler_Retries(t *testing.T) {
	calls := 0
	s := newTestSampler(t, func(context.Context, string, ...string) ([]byte, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("iostat: exit status 1")
		}
		return []byte(sampleOutput), nil
	})

	lines, err := s.Sample(context.Background())
	require.NoError(t, err)
	assert.Len(t, lines, 3)
	assert.Equal(t, 3, calls)
}

func TestSampler_EmptyOutput(t *testing.T) {
	calls := 0
	s := newTestSampler(t, func(context.Context, string, ...string) ([]byte, error) {
		calls++
		return []byte("\n  \n"), nil
	})

	_, err := s.Sample(context.Background())
	assert.ErrorIs(t, err, ErrEmptyOutput)
	assert.Equal(t, 3, calls)
}

func TestSampler_EmptyCommand(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Command = "  "
	_, err := NewSampler(cfg, nil)
	assert.Error(t, err)
}

func TestSplitOutput(t *testing.T) {
	tests := []struct {
		name string
		in   string
		skip int
		want []string
	}{
		{name: "no skip", in: "a\n b \n", skip: 0, want: []string{"a", "b"}},
		{name: "skip preamble", in: "x\ny\n z\n", skip: 2, want: []string{"z"}},
		{name: "skip everything", in: "x\n", skip: 3, want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, splitOutput([]byte(tt.in), tt.skip))
		})
	}
}
