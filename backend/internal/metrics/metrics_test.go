package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollab_Counters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.OperationAccepted()
	m.OperationAccepted()
	m.Dropped("store")
	m.Conflict("delete", "update")
	m.Connected()
	m.Connected()
	m.Disconnected()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.OperationsAccepted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DispatchDropped.WithLabelValues("store")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Conflicts.WithLabelValues("delete", "update")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Connections))
}

func TestCollab_NilIsSafe(t *testing.T) {
	var m *Collab
	m.OperationAccepted()
	m.Dropped("kafka")
	m.RegisterStats(func() (int, int) { return 0, 0 })
}

func TestCollab_RegisterStats(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.RegisterStats(func() (int, int) { return 3, 7 })

	families, err := reg.Gather()
	require.NoError(t, err)

	got := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() == "collab_active_documents" || mf.GetName() == "collab_active_users" {
			got[mf.GetName()] = mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	assert.Equal(t, 3.0, got["collab_active_documents"])
	assert.Equal(t, 7.0, got["collab_active_users"])
}
