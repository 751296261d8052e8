package main

import (
	"errors"
	"fmt"
)

// Exit codes.
const (
	exitSuccess      = 0
	exitFailure      = 1   // no profile could be trained
	exitCommandError = 2   // bad config, missing store, unreadable sources
	exitInterrupted  = 130 // SIGINT/SIGTERM before the run finished
)

// exitError carries the process exit code for a command failure.
type exitError struct {
	code    int
	message string
	err     error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.message, e.err)
	}
	return e.message
}

func (e *exitError) Unwrap() error {
	return e.err
}

func wrapExit(code int, message string, err error) *exitError {
	return &exitError{code: code, message: message, err: err}
}

func exitCode(err error) int {
	if err == nil {
		return exitSuccess
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitFailure
}
