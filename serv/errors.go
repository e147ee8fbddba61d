// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Error taxonomy. Every failure that reaches a client carries a status.

package serv

import (
	"errors"
	"fmt"
	"io/fs"
)

var (
	ErrProtocol         = errors.New("protocol error")
	ErrRouting          = errors.New("routing error")
	ErrNoRouteMatch     = fmt.Errorf("%w: no route matches", ErrRouting)
	ErrMethodNotAllowed = errors.New("method not allowed")
	ErrPayloadTooLarge  = errors.New("payload too large")
	ErrUpstream         = errors.New("upstream error")
	ErrResource         = errors.New("resource error")
)

// StatusError is an error with the HTTP status it should be answered with.
type StatusError struct {
	Kind   error // one of the ErrXXX sentinels above
	Status int16
	Err    error // cause, may be nil
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%d: %s", e.Status, e.Kind)
	}
	return fmt.Sprintf("%d: %s: %s", e.Status, e.Kind, e.Err)
}

func (e *StatusError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newStatusError(kind error, status int16, err error) *StatusError {
	return &StatusError{Kind: kind, Status: status, Err: err}
}

func protocolError(status int16, format string, args ...any) *StatusError {
	return newStatusError(ErrProtocol, status, fmt.Errorf(format, args...))
}

// resourceError maps file system failures to 404, 403 or 500.
func resourceError(err error) *StatusError {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return newStatusError(ErrResource, StatusNotFound, err)
	case errors.Is(err, fs.ErrPermission):
		return newStatusError(ErrResource, StatusForbidden, err)
	default:
		return newStatusError(ErrResource, StatusInternalServerError, err)
	}
}

// statusOf tells the status an error should be answered with.
func statusOf(err error) int16 {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status
	}
	switch {
	case errors.Is(err, ErrNoRouteMatch):
		return StatusNotFound
	case errors.Is(err, ErrMethodNotAllowed):
		return StatusMethodNotAllowed
	case errors.Is(err, ErrPayloadTooLarge):
		return StatusContentTooLarge
	case errors.Is(err, ErrProtocol):
		return StatusBadRequest
	case errors.Is(err, ErrUpstream):
		return StatusBadGateway
	}
	return resourceError(err).Status
}
