package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/stagee/errors"
	"github.com/teranos/stagee/queue"
)

type fakeStats struct {
	stats *queue.Stats
	err   error
}

func (f fakeStats) Stats(context.Context) (*queue.Stats, error) {
	return f.stats, f.err
}

func TestCounters(t *testing.T) {
	m := New()
	m.SubmissionsTotal.WithLabelValues("immediate", "true").Inc()
	m.SubmissionsTotal.WithLabelValues("immediate", "false").Inc()
	m.SubmissionsTotal.WithLabelValues("immediate", "false").Inc()
	m.LockBusyTotal.Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SubmissionsTotal.WithLabelValues("immediate", "true")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SubmissionsTotal.WithLabelValues("immediate", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LockBusyTotal))
}

func TestQueueCollector(t *testing.T) {
	m := New()
	require.NoError(t, m.RegisterQueue(fakeStats{stats: &queue.Stats{
		Queued: 3, Leased: 1, Done: 7, Dead: 2, ExpiredLeases: 1, DLQ: 2,
	}}, zaptest.NewLogger(t).Sugar()))

	expected := `
# HELP stagee_queue_dead_letters Dead letter entries not yet redriven.
# TYPE stagee_queue_dead_letters gauge
stagee_queue_dead_letters 2
# HELP stagee_queue_entries Queue entries by status.
# TYPE stagee_queue_entries gauge
stagee_queue_entries{status="dead"} 2
stagee_queue_entries{status="done"} 7
stagee_queue_entries{status="leased"} 1
stagee_queue_entries{status="queued"} 3
# HELP stagee_queue_expired_leases Leased entries whose lease has expired and await reclaim.
# TYPE stagee_queue_expired_leases gauge
stagee_queue_expired_leases 1
`
	err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"stagee_queue_entries", "stagee_queue_expired_leases", "stagee_queue_dead_letters")
	assert.NoError(t, err)
}

func TestQueueCollector_ErrorDoesNotPanic(t *testing.T) {
	m := New()
	require.NoError(t, m.RegisterQueue(fakeStats{err: errors.New("database is closed")}, zaptest.NewLogger(t).Sugar()))
	_, err := m.Registry().Gather()
	assert.Error(t, err)
}

func TestHandler(t *testing.T) {
	m := New()
	m.DeadLetteredTotal.Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "stagee_dead_lettered_total 1")
	assert.Contains(t, string(body), "go_goroutines")
}
