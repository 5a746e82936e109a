// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package link

import (
	"errors"
)

// Error kinds. Each one maps to a distinct remediation in the UI.
var (
	ErrPermissionDenied       = errors.New("bluetooth permission denied")
	ErrScan                   = errors.New("scan failed")
	ErrDeviceNotFound         = errors.New("device not found")
	ErrConnection             = errors.New("connection failed")
	ErrNotConnected           = errors.New("not connected")
	ErrCharacteristicNotFound = errors.New("characteristic not found")
)

// Error is a link failure with the operation that hit it and, where there
// is one, what the user can do about it.
type Error struct {
	Op          string
	Kind        error
	Remediation string
	Err         error
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.Kind.Error()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Remediation != "" {
		msg += " (" + e.Remediation + ")"
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
