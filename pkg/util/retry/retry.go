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

// Package retry runs an operation at a fixed interval until it reports
// done, the context expires, or it fails severely. Waiters for VM
// liveness, lease cooldown and backend reconnects are all built on it.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/rangeforge/rangeforge/pkg/faults"
)

// Func is one attempt. Returning (true, nil) finishes successfully;
// (true, err) aborts with err; (false, err) records err and retries;
// (false, nil) retries silently.
type Func func(ctx context.Context) (done bool, err error)

// Ok finishes the retry loop successfully.
func Ok() (bool, error) {
	return true, nil
}

// NotOk retries without recording an error.
func NotOk() (bool, error) {
	return false, nil
}

// MinorError records err as the latest failure and retries. If the
// context expires first, err surfaces as the cause.
func MinorError(err error) (bool, error) {
	return false, err
}

// SevereError aborts the loop immediately with err.
func SevereError(err error) (bool, error) {
	return true, err
}

// Until runs f every interval until it is done or ctx expires. On
// expiry the last minor error, if any, is wrapped in a Timeout or
// CancelRequested fault depending on how the context ended.
func Until(ctx context.Context, interval time.Duration, f Func) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	var lastErr error
	for {
		if ctx.Err() != nil {
			return expired(ctx, lastErr)
		}
		select {
		case <-ctx.Done():
			return expired(ctx, lastErr)
		case <-timer.C:
		}
		done, err := f(ctx)
		if done {
			return err
		}
		if err != nil {
			lastErr = err
		}
		timer.Reset(interval)
	}
}

// UntilTimeout is Until bounded by its own deadline in addition to any
// deadline already on ctx.
func UntilTimeout(ctx context.Context, interval, timeout time.Duration, f Func) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return Until(ctx, interval, f)
}

func expired(ctx context.Context, lastErr error) error {
	kind := faults.Timeout
	if errors.Is(ctx.Err(), context.Canceled) {
		kind = faults.CancelRequested
	}
	if lastErr != nil {
		return faults.Wrap(lastErr, kind, "gave up waiting")
	}
	return faults.New(kind, "gave up waiting: %v", ctx.Err())
}
