package storageio

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSplitCapture(t *testing.T) {
	tests := []struct {
		name    string
		capture string
		want    [][]string
	}{
		{
			name:    "empty",
			capture: "",
			want:    nil,
		},
		{
			name: "preamble dropped",
			capture: `Linux 5.10.0 (controller-0)  10/18/26  _x86_64_  (4 CPU)

10/18/26 10:00:00
Device: r/s w/s
dm-4 1.00

10/18/26 10:00:01
dm-4 2.00
`,
			want: [][]string{
				{"10/18/26 10:00:00", "Device: r/s w/s", "dm-4 1.00"},
				{"10/18/26 10:00:01", "dm-4 2.00"},
			},
		},
		{
			name:    "no timestamp",
			capture: "dm-4 1.00\ndm-5 2.00\n",
			want:    nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SplitCapture(strings.NewReader(tt.capture))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSplitCapture_FeedsMonitor(t *testing.T) {
	var capture strings.Builder
	capture.WriteString("Linux 5.10.0 (controller-0)\n\n")
	for i := 0; i < 3; i++ {
		capture.WriteString(strings.Join(cycleLines(i, 1200), "\n"))
		capture.WriteString("\n\n")
	}

	batches, err := SplitCapture(strings.NewReader(capture.String()))
	require.NoError(t, err)
	require.Len(t, batches, 3)

	m := newTestMonitor(t, monitorTestConfig(), zap.NewNop())
	for _, b := range batches {
		_, err := m.ProcessBatch(context.Background(), b)
		require.NoError(t, err)
	}
	summary, ok := m.LastSummary()
	require.True(t, ok)
	assert.Equal(t, "10/18/26 10:00:02", summary.Timestamp)
	assert.Equal(t, StatusCongested, summary.Status)
}
