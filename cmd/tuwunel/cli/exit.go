// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import "fmt"

// ExitError signals a non-zero exit code without an extra error
// message. The main function checks for the ExitCode method on
// returned errors and exits silently with that code; the command is
// expected to have written its own output already. The maintenance
// integrity check uses this to report an unhealthy database through
// the exit status.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit code %d", e.Code)
}

// ExitCode returns the exit code for the process.
func (e *ExitError) ExitCode() int {
	return e.Code
}
