/*
Copyright 2025 The RangeForge Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package faults

import (
	"context"
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{
			name: "nil",
			err:  nil,
			want: "",
		},
		{
			name: "direct fault",
			err:  New(QuotaExceeded, "no space on pool %q", "fast01"),
			want: QuotaExceeded,
		},
		{
			name: "fault wrapped by pkg/errors",
			err:  errors.Wrap(New(AuthFailed, "login rejected"), "connecting"),
			want: AuthFailed,
		},
		{
			name: "fault wrapped by fmt",
			err:  fmt.Errorf("clone: %w", New(NameCollision, "vm exists")),
			want: NameCollision,
		},
		{
			name: "deadline exceeded",
			err:  context.DeadlineExceeded,
			want: Timeout,
		},
		{
			name: "canceled",
			err:  fmt.Errorf("waiting: %w", context.Canceled),
			want: CancelRequested,
		},
		{
			name: "plain error",
			err:  errors.New("boom"),
			want: Internal,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, Timeout, "ignored"))
}

func TestErrorString(t *testing.T) {
	cause := errors.New("connection refused")
	f := Wrap(cause, BackendUnreachable, "dial %s", "vc01.example.com")
	assert.Equal(t, "backend_unreachable: dial vc01.example.com: connection refused", f.Error())
	assert.Equal(t, cause, errors.Cause(f.Unwrap()))

	bare := New(PoolExhausted, "")
	assert.Equal(t, "pool_exhausted", bare.Error())
}

func TestWithIdentity(t *testing.T) {
	f := New(ResourceMissing, "template not found").WithIdentity("vsphere/dc01/vm/web01")
	require.Equal(t, "vsphere/dc01/vm/web01", f.Identity())

	wrapped := fmt.Errorf("deploy: %w", f)
	var got *Fault
	require.True(t, errors.As(wrapped, &got))
	assert.Equal(t, "vsphere/dc01/vm/web01", got.Identity())
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(New(BackendUnreachable, "")))
	assert.True(t, Retryable(New(TransitionBusy, "clone in progress")))
	assert.True(t, Retryable(context.DeadlineExceeded))
	assert.False(t, Retryable(New(AuthFailed, "")))
	assert.False(t, Retryable(New(QuotaExceeded, "")))
	assert.False(t, Retryable(nil))
}
