/*
Copyright 2024 Blnk Finance Authors.

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

package courier

import (
	"errors"
	"fmt"

	"github.com/blnkfinance/courier/internal/apierror"
	"github.com/blnkfinance/courier/internal/files"
)

var (
	// ErrConfigNotFound means the partner has no active integration config for the requested work.
	ErrConfigNotFound = errors.New("integration config not found")

	// ErrTaskBusy is returned when a task already has a run in flight.
	ErrTaskBusy = errors.New("task is already running")

	ErrTaskNotActive  = errors.New("task is not active")
	ErrTaskNotRunning = errors.New("task has no run in flight")

	// ErrTransport covers network, auth and remote rejections during dispatch.
	ErrTransport = errors.New("transport error")

	// ErrTransportTimeout is a transport error raised when the per-method deadline passes.
	ErrTransportTimeout = fmt.Errorf("%w: timed out", ErrTransport)

	// ErrSerialization marks a record left out of a file.
	ErrSerialization = files.ErrSerialization

	// ErrInvalidTransition is returned for a batch move the state machine does not allow.
	ErrInvalidTransition = errors.New("invalid batch transition")

	ErrNotFound = errors.New("not found")
)

// isConflict reports whether the datasource refused a conditional write.
func isConflict(err error) bool {
	return apierror.HasCode(err, apierror.ErrConflict)
}

func isNotFound(err error) bool {
	return apierror.HasCode(err, apierror.ErrNotFound)
}
