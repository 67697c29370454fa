package breaker_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aulendur/cortex/internal/breaker"
	"github.com/aulendur/cortex/pkg/models"
)

func TestDisabledBreakerAlwaysClosed(t *testing.T) {
	r := breaker.New(false, 3, 30*time.Second)
	r.RecordOutcome("u1", false)
	r.RecordOutcome("u1", false)
	r.RecordOutcome("u1", false)
	r.RecordOutcome("u1", false)

	status, _ := r.Status("u1")
	require.Equal(t, models.BreakerClosed, status)
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	r := breaker.New(true, 3, 30*time.Second)

	status, _ := r.Status("u1")
	require.Equal(t, models.BreakerClosed, status)

	r.RecordOutcome("u1", false)
	r.RecordOutcome("u1", false)
	r.RecordOutcome("u1", false)

	status, until := r.Status("u1")
	require.Equal(t, models.BreakerOpen, status)
	require.True(t, until.After(time.Now()))
}

func TestBreakerResetsOnSuccess(t *testing.T) {
	r := breaker.New(true, 3, 30*time.Second)

	r.RecordOutcome("u1", false)
	r.RecordOutcome("u1", false)
	r.RecordOutcome("u1", true)
	r.RecordOutcome("u1", false)
	r.RecordOutcome("u1", false)

	status, _ := r.Status("u1")
	require.Equal(t, models.BreakerClosed, status)
}

func TestIndependentURLsDoNotShareState(t *testing.T) {
	r := breaker.New(true, 2, 30*time.Second)

	r.RecordOutcome("u1", false)
	r.RecordOutcome("u1", false)

	s1, _ := r.Status("u1")
	s2, _ := r.Status("u2")
	require.Equal(t, models.BreakerOpen, s1)
	require.Equal(t, models.BreakerClosed, s2)
}
