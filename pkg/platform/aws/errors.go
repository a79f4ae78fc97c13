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

package aws

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/smithy-go"

	"github.com/rangeforge/rangeforge/pkg/faults"
)

// classify maps an EC2 error onto the fault taxonomy. API errors mean
// the region answered, so anything with an error code stays off the
// breaker's unreachable path; only transport failures read as
// BackendUnreachable.
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
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return faults.Wrap(err, kindForCode(apiErr.ErrorCode()), format, args...)
	}
	return faults.Wrap(err, faults.BackendUnreachable, format, args...)
}

func kindForCode(code string) faults.Kind {
	switch code {
	case "UnauthorizedOperation", "AuthFailure", "InvalidClientTokenId",
		"SignatureDoesNotMatch", "ExpiredToken", "RequestExpired":
		return faults.AuthFailed
	case "InstanceLimitExceeded", "VcpuLimitExceeded",
		"InsufficientInstanceCapacity", "InsufficientFreeAddressesInSubnet":
		return faults.QuotaExceeded
	case "IncorrectInstanceState", "IncorrectState", "ResourceInUse":
		return faults.TransitionBusy
	case "IdempotentParameterMismatch":
		return faults.NameCollision
	case "RequestLimitExceeded", "InternalError", "Unavailable",
		"ServiceUnavailable", "InternalFailure":
		return faults.BackendUnreachable
	case "InvalidParameterValue", "InvalidParameterCombination",
		"MissingParameter", "ValidationError":
		return faults.ConfigInvalid
	}
	// InvalidInstanceID.NotFound, InvalidAMIID.NotFound,
	// InvalidSubnetID.NotFound, InvalidNetworkInterfaceID.NotFound.
	if strings.HasSuffix(code, ".NotFound") {
		return faults.ResourceMissing
	}
	if strings.HasSuffix(code, ".Malformed") {
		return faults.ConfigInvalid
	}
	return faults.Internal
}
