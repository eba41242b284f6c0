package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSetBuildInfo(t *testing.T) {
	SetBuildInfo("1.2.3", "abc", "redis")
	SetBuildInfo("1.2.4", "def", "sqlite")

	assert.Equal(t, 1, testutil.CollectAndCount(buildInfo))
	assert.Equal(t, float64(1), testutil.ToFloat64(buildInfo.WithLabelValues("1.2.4", "def", "sqlite")))
}
