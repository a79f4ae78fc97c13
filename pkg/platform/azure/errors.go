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

package azure

import (
	"context"
	"errors"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"github.com/rangeforge/rangeforge/pkg/faults"
)

// classify maps an ARM error onto the fault taxonomy. Answered errors
// carry a ResponseError and stay off the unreachable path; only
// transport failures and throttling read as BackendUnreachable.
func classify(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return faults.Wrap(err, faults.Timeout, format, args...)
	}
	if errors.Is(err, context.Canceled) {
		return faults.Wrap(err, faults.CancelRequested, format, args...)
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return faults.Wrap(err, kindForResponse(respErr), format, args...)
	}
	return faults.Wrap(err, faults.BackendUnreachable, format, args...)
}

func kindForResponse(respErr *azcore.ResponseError) faults.Kind {
	switch respErr.ErrorCode {
	case "QuotaExceeded", "OperationNotAllowed", "SkuNotAvailable":
		return faults.QuotaExceeded
	case "AllocationFailed", "ZonalAllocationFailed":
		return faults.QuotaExceeded
	case "AuthorizationFailed", "InvalidAuthenticationToken", "AuthenticationFailed":
		return faults.AuthFailed
	case "PropertyChangeNotAllowed":
		return faults.ConfigInvalid
	}
	switch respErr.StatusCode {
	case http.StatusNotFound:
		return faults.ResourceMissing
	case http.StatusUnauthorized, http.StatusForbidden:
		return faults.AuthFailed
	case http.StatusConflict:
		return faults.TransitionBusy
	case http.StatusBadRequest:
		return faults.ConfigInvalid
	case http.StatusTooManyRequests:
		return faults.BackendUnreachable
	}
	if respErr.StatusCode >= 500 {
		return faults.BackendUnreachable
	}
	return faults.Internal
}
