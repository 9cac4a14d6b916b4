// Copyright 2024 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package moerr defines the error values surfaced by the vecgroup library.
// Memory denial is not an error; it is reported through the resumable work
// protocol and never appears here.
package moerr

import (
	"errors"
	"fmt"
)

type ErrorCode uint16

const (
	ErrStart ErrorCode = iota + 20100
	ErrInternal
	ErrNotSupported
	ErrInvalidInput
	ErrInvalidState
)

var errorNames = map[ErrorCode]string{
	ErrInternal:     "internal error",
	ErrNotSupported: "not supported",
	ErrInvalidInput: "invalid input",
	ErrInvalidState: "invalid state",
}

type Error struct {
	code    ErrorCode
	message string
}

func (e *Error) Error() string {
	return e.message
}

func (e *Error) ErrorCode() ErrorCode {
	return e.code
}

// Is makes moerr values matchable with errors.Is against a code-bearing
// template error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.code == e.code
}

func newError(code ErrorCode, msg string) *Error {
	if msg == "" {
		msg = errorNames[code]
	}
	return &Error{code: code, message: msg}
}

func IsMoErrCode(err error, code ErrorCode) bool {
	var e *Error
	return errors.As(err, &e) && e.code == code
}

func NewInternalErrorNoCtx(msg string) *Error {
	return newError(ErrInternal, "internal error: "+msg)
}

func NewInternalErrorNoCtxf(format string, args ...any) *Error {
	return NewInternalErrorNoCtx(fmt.Sprintf(format, args...))
}

func NewNotSupportedNoCtxf(format string, args ...any) *Error {
	return newError(ErrNotSupported, fmt.Sprintf(format, args...))
}

func NewInvalidInputNoCtxf(format string, args ...any) *Error {
	return newError(ErrInvalidInput, fmt.Sprintf(format, args...))
}

func NewInvalidStateNoCtxf(format string, args ...any) *Error {
	return newError(ErrInvalidState, fmt.Sprintf(format, args...))
}
