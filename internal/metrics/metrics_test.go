package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotFlattensLabels(t *testing.T) {
	r := NewRegistry()
	r.MessagesPublished.WithLabelValues("domain-events").Add(3)
	r.CommandsDispatched.WithLabelValues("test.command", "completed").Inc()
	r.PagesExported.Inc()

	snap, err := r.Snapshot()
	require.NoError(t, err)

	assert.Equal(t, float64(3), snap["wsexport_messages_published_total{channel=domain-events}"])
	assert.Equal(t, float64(1), snap["wsexport_commands_dispatched_total{outcome=completed}{type=test.command}"])
	assert.Equal(t, float64(1), snap["wsexport_pages_exported_total"])
}

func TestRegistriesAreIndependent(t *testing.T) {
	a := NewRegistry()
	b := NewRegistry()
	a.PagesExported.Inc()

	snapB, err := b.Snapshot()
	require.NoError(t, err)
	assert.Zero(t, snapB["wsexport_pages_exported_total"])
}
