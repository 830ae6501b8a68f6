package whatsapp

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mau.fi/whatsmeow/store"
)

func testRefresher(fetch func(context.Context) (*store.WAVersionContainer, error)) (*VersionRefresher, *store.WAVersionContainer, *time.Time) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	applied := new(store.WAVersionContainer)
	return &VersionRefresher{
		MinInterval: 10 * time.Minute,
		fetch:       fetch,
		apply:       func(v store.WAVersionContainer) { *applied = v },
		now:         func() time.Time { return now },
	}, applied, &now
}

func TestVersionRefreshThrottled(t *testing.T) {
	var calls atomic.Int32
	latest := store.WAVersionContainer{2, 3000, 1}
	v, applied, now := testRefresher(func(context.Context) (*store.WAVersionContainer, error) {
		calls.Add(1)
		return &latest, nil
	})

	st, refreshed, err := v.Refresh(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, refreshed)
	assert.Equal(t, latest, *applied)
	require.NotNil(t, st.LastRefreshed)
	assert.Empty(t, st.LastError)

	_, refreshed, err = v.Refresh(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, refreshed)

	_, refreshed, _ = v.Refresh(context.Background(), true)
	assert.True(t, refreshed)

	*now = now.Add(11 * time.Minute)
	_, refreshed, _ = v.Refresh(context.Background(), false)
	assert.True(t, refreshed)
	assert.Equal(t, int32(3), calls.Load())
}

func TestVersionRefreshRecordsErrors(t *testing.T) {
	v, _, _ := testRefresher(func(context.Context) (*store.WAVersionContainer, error) {
		return nil, errors.New("endpoint down")
	})
	st, refreshed, err := v.Refresh(context.Background(), true)
	assert.Error(t, err)
	assert.True(t, refreshed)
	assert.Equal(t, "endpoint down", st.LastError)

	v.fetch = func(context.Context) (*store.WAVersionContainer, error) { return nil, nil }
	st, _, err = v.Refresh(context.Background(), true)
	assert.Error(t, err)
	assert.True(t, strings.Contains(st.LastError, "nil"))
}
