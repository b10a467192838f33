package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestTrackForkCompleted_IncrementsSeries(t *testing.T) {
	before := testutil.ToFloat64(ForkCompletedTotal.WithLabelValues("success", "sonnet"))

	TrackForkCompleted("success", "sonnet", 42.5, 0.75)

	after := testutil.ToFloat64(ForkCompletedTotal.WithLabelValues("success", "sonnet"))
	require.Equal(t, before+1, after)
}
