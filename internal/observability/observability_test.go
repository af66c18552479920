package observability_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsecrypt/internal/observability"
)

func TestLogger_StructuredFields(t *testing.T) {
	var buf bytes.Buffer
	log := observability.NewLogger("pulsecrypt", "test", &buf).WithComponent("keycache")

	log.ConversationKeyRotated("dm_a_b", 1, 2)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "keycache", line["component"])
	assert.Equal(t, "dm_a_b", line["conversation_id"])
	assert.EqualValues(t, 2, line["to_version"])
}

func TestLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log, err := observability.NewLogger("pulsecrypt", "test", &buf).WithLevel("warn")
	require.NoError(t, err)

	log.Info("dropped")
	assert.Zero(t, buf.Len())
	log.PublishFailed("ik_1", errors.New("offline"))
	assert.NotZero(t, buf.Len())

	_, err = log.WithLevel("loud")
	assert.Error(t, err)
}

func TestLogger_NilIsNoop(t *testing.T) {
	var log *observability.Logger
	log.Info("nothing")
	log.WithComponent("x").Error(errors.New("e"), "nothing")
}

func TestMetrics_Counters(t *testing.T) {
	m := observability.NewMetrics()
	m.CryptoOperation("encrypt", "static", nil, time.Now())
	m.CryptoOperation("decrypt", "static", errors.New("bad tag"), time.Now())
	m.CacheLookup("memory")
	m.CacheLookup("memory")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CryptoOperationsTotal.WithLabelValues("decrypt", "static", "error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CacheLookupsTotal.WithLabelValues("memory")))

	var nilMetrics *observability.Metrics
	nilMetrics.CacheLookup("memory")
}
