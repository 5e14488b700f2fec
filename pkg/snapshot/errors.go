// Copyright 2026 The gVisor Authors.
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

package snapshot

import (
	"errors"
	"fmt"

	"gvisor.dev/memsnap/pkg/hostarch"
)

var (
	// ErrAllocation is returned when memory for saved page contents could
	// not be obtained.
	ErrAllocation = errors.New("allocation failed")

	// ErrUnrecoverableMapping is returned by restore for a recorded mapping
	// that has disappeared and is not anonymous and private, so it cannot be
	// recreated.
	ErrUnrecoverableMapping = errors.New("unrecoverable mapping")

	// ErrMappingOperation is returned when unmapping, mapping or writing
	// memory fails during restore.
	ErrMappingOperation = errors.New("mapping operation failed")

	// ErrNoSnapshot is returned when restoring a process without a snapshot.
	ErrNoSnapshot = errors.New("no snapshot")

	// ErrNotTracked is returned for a process identity that is not tracked.
	ErrNotTracked = errors.New("process not tracked")
)

// RangeError is an error affecting a particular address range.
type RangeError struct {
	// Op is the operation that failed.
	Op string

	// Range is the affected range.
	Range hostarch.AddrRange

	// Err is the underlying error. It wraps one of ErrAllocation,
	// ErrUnrecoverableMapping or ErrMappingOperation.
	Err error
}

// Error implements error.Error.
func (e *RangeError) Error() string {
	return fmt.Sprintf("%s %v: %v", e.Op, e.Range, e.Err)
}

// Unwrap returns the underlying error.
func (e *RangeError) Unwrap() error {
	return e.Err
}

// mappingError returns a RangeError for a failed operation on the address
// space.
func mappingError(op string, ar hostarch.AddrRange, err error) *RangeError {
	return &RangeError{
		Op:    op,
		Range: ar,
		Err:   fmt.Errorf("%w: %w", ErrMappingOperation, err),
	}
}
