package scheduler

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/invoicehook/internal/config"
	"github.com/mattjoyce/invoicehook/internal/events"
	"github.com/mattjoyce/invoicehook/internal/lifecycle"
	"github.com/mattjoyce/invoicehook/internal/lock"
	"github.com/mattjoyce/invoicehook/internal/scheduler/mocks"
	"github.com/mattjoyce/invoicehook/internal/subscription"
)

// TestLogBuffer is a bytes.Buffer that can be used to capture log output.
type TestLogBuffer struct {
	bytes.Buffer
}

// NewTestSlogger creates a new *slog.Logger that writes to a TestLogBuffer.
func NewTestSlogger() (*slog.Logger, *TestLogBuffer) {
	var buf TestLogBuffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(handler), &buf
}

func testConfig(t *testing.T) config.LifecycleConfig {
	return config.LifecycleConfig{
		Enabled:      true,
		TickInterval: time.Hour,
		WithinDays:   15,
		LockPath:     filepath.Join(t.TempDir(), "lifecycle.lock"),
	}
}

func TestCalculateJitteredInterval(t *testing.T) {
	tests := []struct {
		name         string
		baseInterval time.Duration
		jitter       time.Duration
	}{
		{name: "No Jitter", baseInterval: 1 * time.Minute, jitter: 0},
		{name: "Positive Jitter", baseInterval: 5 * time.Minute, jitter: 30 * time.Second},
		{name: "Large Jitter", baseInterval: 6 * time.Hour, jitter: 15 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < 100; i++ {
				jittered := calculateJitteredInterval(tt.baseInterval, tt.jitter)
				if tt.jitter == 0 {
					assert.Equal(t, tt.baseInterval, jittered)
				} else {
					assert.GreaterOrEqual(t, jittered, tt.baseInterval)
					assert.Less(t, jittered, tt.baseInterval+tt.jitter)
				}
			}
		})
	}
}

func TestTick_RenewsExpiring(t *testing.T) {
	ctrl := gomock.NewController(t)
	renewal := mocks.NewMockRenewalService(ctrl)
	logger, _ := NewTestSlogger()
	hub := events.NewHub(10)
	cfg := testConfig(t)

	subs := []subscription.Subscription{{ID: "s1"}, {ID: "s2"}}
	renewal.EXPECT().FindExpiring(gomock.Any(), 15).Return(subs, nil)
	renewal.EXPECT().RenewAll(gomock.Any(), subs).Return(lifecycle.Summary{Renewed: 1, Failed: 1})

	s := New(cfg, renewal, hub, logger)
	summary, ran := s.Tick(context.Background())
	assert.True(t, ran)
	assert.Equal(t, 1, summary.Failed)

	published := hub.SnapshotSince(0)
	require.Len(t, published, 1)
	assert.Equal(t, TypeTick, published[0].Type)

	// The lock is released after the run.
	l, err := lock.Acquire(cfg.LockPath)
	require.NoError(t, err)
	require.NoError(t, l.Release())
}

func TestTick_NothingDue(t *testing.T) {
	ctrl := gomock.NewController(t)
	renewal := mocks.NewMockRenewalService(ctrl)
	logger, _ := NewTestSlogger()

	renewal.EXPECT().FindExpiring(gomock.Any(), 15).Return(nil, nil)

	summary, ran := New(testConfig(t), renewal, nil, logger).Tick(context.Background())
	assert.True(t, ran)
	assert.Equal(t, lifecycle.Summary{}, summary)
}

func TestTick_SkipsWhenLockHeld(t *testing.T) {
	ctrl := gomock.NewController(t)
	renewal := mocks.NewMockRenewalService(ctrl)
	logger, buf := NewTestSlogger()
	cfg := testConfig(t)

	held, err := lock.Acquire(cfg.LockPath)
	require.NoError(t, err)
	defer func() { _ = held.Release() }()

	_, ran := New(cfg, renewal, nil, logger).Tick(context.Background())
	assert.False(t, ran)
	assert.Contains(t, buf.String(), "Renewal already running elsewhere")
}

func TestTick_FindError(t *testing.T) {
	ctrl := gomock.NewController(t)
	renewal := mocks.NewMockRenewalService(ctrl)
	logger, buf := NewTestSlogger()

	renewal.EXPECT().FindExpiring(gomock.Any(), 15).Return(nil, errors.New("db down"))

	_, ran := New(testConfig(t), renewal, nil, logger).Tick(context.Background())
	assert.False(t, ran)
	assert.Contains(t, buf.String(), "db down")
}

func TestStartStop(t *testing.T) {
	ctrl := gomock.NewController(t)
	renewal := mocks.NewMockRenewalService(ctrl)
	logger, _ := NewTestSlogger()

	called := make(chan struct{}, 1)
	renewal.EXPECT().FindExpiring(gomock.Any(), 15).DoAndReturn(func(context.Context, int) ([]subscription.Subscription, error) {
		called <- struct{}{}
		return nil, nil
	}).Times(1)

	s := New(testConfig(t), renewal, nil, logger)
	require.NoError(t, s.Start(context.Background()))
	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("initial tick did not run")
	}
	s.Stop()
}
