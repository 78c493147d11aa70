package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersNamespacedCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New("voicecast", reg)

	m.BroadcastsCreated.WithLabelValues("sync").Inc()
	m.Rejections.WithLabelValues("DAILY_LIMIT_EXCEEDED").Add(2)
	m.Notifications.WithLabelValues("broadcast", "sent").Inc()
	m.RecipientsSelected.WithLabelValues("random").Observe(4)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.BroadcastsCreated.WithLabelValues("sync")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Rejections.WithLabelValues("DAILY_LIMIT_EXCEEDED")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "voicecast_broadcasts_created_total")
	assert.Contains(t, names, "voicecast_broadcast_rejections_total")
	assert.Contains(t, names, "voicecast_notifications_total")
	assert.Contains(t, names, "voicecast_broadcast_recipients_selected")
}

func TestNew_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New("dup", reg)
	assert.Panics(t, func() { New("dup", reg) })
}

func TestRegistry_IsSingleton(t *testing.T) {
	assert.Same(t, Registry("voicecast_test"), Registry("ignored"))
}
