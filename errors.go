/*
 * Copyright 2025 The BufferHub Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package bufferhub

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/grpclog"
	"google.golang.org/grpc/status"
)

var logger = grpclog.Component("bufferhub")

// Every operation reports failure through a gRPC status code so callers can
// tell the classes apart:
//
//	codes.InvalidArgument    - malformed call parameters; nothing happened
//	codes.FailedPrecondition - the state machine refused the transition;
//	                           nothing happened
//	codes.Unavailable        - the broker round trip failed AFTER the local
//	                           transition; local state is authoritative and
//	                           is not rolled back
//	codes.Internal           - import/mapping failure; the handle is
//	                           permanently unusable and carries this error

// errInvalidArgument reports malformed call parameters.
func errInvalidArgument(format string, args ...any) error {
	return status.Errorf(codes.InvalidArgument, format, args...)
}

// errStateConflict reports an operation attempted while the buffer is not in
// the required phase.
func errStateConflict(format string, args ...any) error {
	return status.Errorf(codes.FailedPrecondition, format, args...)
}

// errBrokerUnavailable reports a failed broker round trip. The local state
// transition, if any, has already happened and stands.
func errBrokerUnavailable(op string, err error) error {
	return status.Errorf(codes.Unavailable, "broker %s failed: %v", op, err)
}

// errImportFailed reports a failed import or mapping at construction time.
func errImportFailed(err error) error {
	return status.Errorf(codes.Internal, "buffer import failed: %v", err)
}

// errInternal reports a local plumbing failure outside the state machine.
func errInternal(format string, args ...any) error {
	return status.Errorf(codes.Internal, format, args...)
}
