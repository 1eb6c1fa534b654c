/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package gateway abstracts the external ledger that settles funds leaving the system.
//
// The external ledger delivers at least once. Callers resubmit a failed transfer with the
// same memo and rely on the backend to deduplicate on it.
package gateway

import (
	"context"
	"errors"
	"fmt"
)

// SettleRequest describes one logical external transfer.
type SettleRequest struct {
	Memo   string
	From   string
	To     string
	Amount int64
}

// Gateway is implemented by every external ledger backend.
type Gateway interface {
	// Settle returns nil once the transfer is confirmed. Failures are *Error values;
	// anything else is treated as retryable.
	Settle(ctx context.Context, req SettleRequest) error
	QueryBalance(ctx context.Context, identity string) (int64, error)
}

type Kind int

const (
	Retryable Kind = iota + 1
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Retryable:
		return "retryable"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error classifies a failed gateway call.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gateway %s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("gateway %s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewRetryable(reason string, err error) *Error {
	return &Error{Kind: Retryable, Reason: reason, Err: err}
}

func NewFatal(reason string, err error) *Error {
	return &Error{Kind: Fatal, Reason: reason, Err: err}
}

// IsFatal reports whether err is a permanent gateway failure.
func IsFatal(err error) bool {
	var gerr *Error
	return errors.As(err, &gerr) && gerr.Kind == Fatal
}

// IsRetryable reports whether err should be retried with the same memo.
// Unclassified errors are retryable: the transfer may or may not have happened.
func IsRetryable(err error) bool {
	return err != nil && !IsFatal(err)
}

// Reason extracts a short human readable reason from err.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Reason
	}
	return err.Error()
}
