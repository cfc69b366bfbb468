// Copyright 2026 The midstack Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mb

import "errors"

// Per-packet errors are absorbed by the element that encounters them: the
// packet is dropped (or forwarded unmodified, for ErrMutationAfterCommit)
// and a counter is incremented. Only configuration errors propagate out of
// an element and abort startup.
var (
	// ErrPacketMalformed indicates header offsets or lengths that do not
	// describe the buffer they arrived in.
	ErrPacketMalformed = errors.New("malformed packet")

	// ErrResourceExhausted indicates a full object pool or flow table.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrStateViolation indicates a segment that is illegal for the flow's
	// current connection state, e.g. a SYN on an established flow.
	ErrStateViolation = errors.New("connection state violation")

	// ErrMutationAfterCommit indicates an attempt to add an edit to a
	// modification list that has already been committed.
	ErrMutationAfterCommit = errors.New("modification list already committed")

	// ErrConfigInvalid indicates an invalid element configuration. It is
	// fatal to the element and reported at configure time.
	ErrConfigInvalid = errors.New("invalid configuration")
)
