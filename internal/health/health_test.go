package health

import (
	"context"
	"testing"
	"time"

	"github.com/paynest/escrowd/internal/circuitbreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryEmpty(t *testing.T) {
	healthy, statuses := NewRegistry(0).CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Empty(t, statuses)
}

func TestRegistryAggregates(t *testing.T) {
	r := NewRegistry(time.Second)
	r.Register("db", func(_ context.Context) Status {
		return Status{Healthy: true}
	})
	r.Register("gateway", func(_ context.Context) Status {
		return Status{Name: "gateway", Healthy: false, Detail: "circuit open: payout_create"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	require.Len(t, statuses, 2)
	assert.Equal(t, "db", statuses[0].Name, "name filled from registration")
	assert.Equal(t, "gateway", statuses[1].Name)
	assert.Equal(t, "circuit open: payout_create", statuses[1].Detail)
}

func TestRegistryTimeoutPropagates(t *testing.T) {
	r := NewRegistry(10 * time.Millisecond)
	r.Register("slow", func(ctx context.Context) Status {
		select {
		case <-ctx.Done():
			return Status{Healthy: false, Detail: ctx.Err().Error()}
		case <-time.After(time.Second):
			return Status{Healthy: true}
		}
	})

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	assert.Equal(t, context.DeadlineExceeded.Error(), statuses[0].Detail)
}

func TestBreakerChecker(t *testing.T) {
	b := circuitbreaker.New(1, time.Minute)
	check := BreakerChecker("gateway", b)

	assert.True(t, check(context.Background()).Healthy)

	b.RecordFailure("payout_status")
	b.RecordFailure("collection_create")
	st := check(context.Background())
	assert.False(t, st.Healthy)
	assert.Equal(t, "circuit open: collection_create, payout_status", st.Detail)
}
