// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dfinson/codeplane/internal/cperrors"
)

func TestParamInt64AcceptsMultipleNumericShapes(t *testing.T) {
	assert.Equal(t, int64(5), paramInt64(map[string]any{"n": int64(5)}, "n"))
	assert.Equal(t, int64(5), paramInt64(map[string]any{"n": 5}, "n"))
	assert.Equal(t, int64(5), paramInt64(map[string]any{"n": 5.0}, "n"))
	assert.Equal(t, int64(0), paramInt64(map[string]any{}, "missing"))
}

func TestParamIntTruncatesFromInt64(t *testing.T) {
	assert.Equal(t, 10, paramInt(map[string]any{"limit": int64(10)}, "limit"))
}

func TestRespondWrapsPlainErrorAsInternal(t *testing.T) {
	s := &Service{}
	resp := s.respond("req-1", nil, errors.New("boom"))
	assert.Nil(t, resp.Result)
	assert.Equal(t, cperrors.InternalError, resp.Err.Code)
	assert.Equal(t, "req-1", resp.Meta.RequestID)
}

func TestRespondPreservesStructuredErrorCode(t *testing.T) {
	s := &Service{}
	resp := s.respond("req-2", nil, cperrors.New(cperrors.PlanExpired, "expired", nil))
	assert.Equal(t, cperrors.PlanExpired, resp.Err.Code)
}

func TestRespondReturnsResultOnSuccess(t *testing.T) {
	s := &Service{}
	resp := s.respond("req-3", map[string]int{"ok": 1}, nil)
	assert.Nil(t, resp.Err)
	assert.Equal(t, map[string]int{"ok": 1}, resp.Result)
}

func TestIsTestPathRecognizesGoConvention(t *testing.T) {
	assert.True(t, isTestPath("internal/foo/bar_test.go"))
	assert.False(t, isTestPath("internal/foo/bar.go"))
}

func TestIsTestPathRecognizesTestDirectory(t *testing.T) {
	assert.True(t, isTestPath("test/fixture.py"))
	assert.True(t, isTestPath("tests/fixture.py"))
}

func TestDispatchUnknownOpReturnsInternalError(t *testing.T) {
	s := &Service{}
	resp := s.Dispatch(context.Background(), Envelope{Op: "not_a_real_op", RequestID: "req-4"})
	assert.Equal(t, cperrors.InternalError, resp.Err.Code)
}
