package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/SirClappington/jobq/internal/domain"
)

func TestWorkerCollectors(t *testing.T) {
	m := NewWorker(prometheus.NewRegistry())

	m.Outcome(domain.TypeEmail, OutcomeCompleted, 20*time.Millisecond)
	m.Outcome(domain.TypeEmail, OutcomeFailed, time.Second)
	m.Outcome(domain.TypeEmail, OutcomeFailed, time.Second)
	m.JobStarted()
	m.JobStarted()
	m.JobFinished()
	m.ClaimError()
	m.Reaped(domain.Failed)
	m.Cleaned(4)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.outcomes.WithLabelValues("EMAIL", OutcomeCompleted)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.outcomes.WithLabelValues("EMAIL", OutcomeFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.inFlight))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.claimErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reaped.WithLabelValues("failed")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.cleaned))
}

func TestNilWorkerIsNoop(t *testing.T) {
	var m *Worker
	assert.NotPanics(t, func() {
		m.Outcome(domain.TypeSMS, OutcomeDead, time.Second)
		m.JobStarted()
		m.JobFinished()
		m.ClaimError()
		m.Reaped(domain.Dead)
		m.Cleaned(1)
	})
}
