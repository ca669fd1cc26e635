// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package epoch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChecker struct {
	mu    sync.Mutex
	clean map[int64]bool
}

func (f *fakeChecker) IsClean(ctx context.Context, fileID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clean[fileID], nil
}

func (f *fakeChecker) setClean(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clean[id] = true
}

func TestPublishIsMonotonic(t *testing.T) {
	p := New()
	assert.Equal(t, int64(0), p.Current())
	e1 := p.Publish(nil)
	e2 := p.Publish(nil)
	assert.Equal(t, int64(1), e1)
	assert.Equal(t, int64(2), e2)
	assert.Equal(t, int64(2), p.Current())
}

func TestWaitForUnblocksOnPublish(t *testing.T) {
	p := New()
	checker := &fakeChecker{clean: map[int64]bool{}}

	done := make(chan error, 1)
	go func() {
		done <- p.WaitFor(context.Background(), 1, []int64{42}, checker)
	}()

	time.Sleep(10 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("WaitFor returned before file became clean")
	default:
	}

	checker.setClean(42)
	p.Publish(map[int64]bool{42: true})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitFor did not unblock after publish")
	}
}

func TestWaitForRespectsCancellation(t *testing.T) {
	p := New()
	checker := &fakeChecker{clean: map[int64]bool{}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.WaitFor(ctx, 1, []int64{1}, checker)
	require.Error(t, err)
}

func TestWaitForNoFilesReturnsImmediately(t *testing.T) {
	p := New()
	checker := &fakeChecker{clean: map[int64]bool{}}
	require.NoError(t, p.WaitFor(context.Background(), 0, nil, checker))
}
