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

package gateway

import (
	"context"
	"errors"
	"math"
	"time"

	"virtual-settlement-go/internal/models"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// DefaultRetryPolicy is used when a configured policy leaves fields unset.
var DefaultRetryPolicy = models.RetryPolicy{
	InitialInterval:    500 * time.Millisecond,
	BackoffCoefficient: 2.0,
	MaximumInterval:    5 * time.Second,
	MaximumAttempts:    4,
}

type retryingGateway struct {
	next   Gateway
	policy models.RetryPolicy
}

// WithRetry wraps gw so that retryable failures are retried in-call with exponential backoff.
// Every attempt reuses the caller's request, memo included. Fatal errors return immediately.
func WithRetry(gw Gateway, policy models.RetryPolicy) Gateway {
	if policy.MaximumAttempts <= 0 {
		policy.MaximumAttempts = DefaultRetryPolicy.MaximumAttempts
	}
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = DefaultRetryPolicy.InitialInterval
	}
	if policy.BackoffCoefficient < 1 {
		policy.BackoffCoefficient = DefaultRetryPolicy.BackoffCoefficient
	}
	if policy.MaximumInterval <= 0 {
		policy.MaximumInterval = DefaultRetryPolicy.MaximumInterval
	}
	return &retryingGateway{next: gw, policy: policy}
}

func (g *retryingGateway) Settle(ctx context.Context, req SettleRequest) error {
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := g.next.Settle(ctx, req)
		if IsFatal(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, g.options(func(err error, next time.Duration) {
		zap.L().Warn("Retryable settlement failure",
			zap.String("memo", req.Memo),
			zap.Int("attempt", attempt),
			zap.Duration("next_attempt_in", next),
			zap.Error(err))
	})...)
	return interrupted(ctx, err)
}

func (g *retryingGateway) QueryBalance(ctx context.Context, identity string) (int64, error) {
	balance, err := backoff.Retry(ctx, func() (int64, error) {
		balance, err := g.next.QueryBalance(ctx, identity)
		if IsFatal(err) {
			return 0, backoff.Permanent(err)
		}
		return balance, err
	}, g.options(nil)...)
	if err != nil {
		return 0, interrupted(ctx, err)
	}
	return balance, nil
}

func (g *retryingGateway) options(notify backoff.Notify) []backoff.RetryOption {
	opts := []backoff.RetryOption{
		backoff.WithBackOff(exponential(g.policy)),
		backoff.WithMaxTries(uint(g.policy.MaximumAttempts)),
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(notify))
	}
	return opts
}

// interrupted keeps a cancelled retry loop retryable so the hold stays pending.
func interrupted(ctx context.Context, err error) error {
	if err == nil || ctx.Err() == nil || IsFatal(err) || IsRetryable(err) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NewRetryable("retry interrupted", err)
	}
	return err
}

func exponential(policy models.RetryPolicy) *backoff.ExponentialBackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     policy.InitialInterval,
		RandomizationFactor: 0,
		Multiplier:          policy.BackoffCoefficient,
		MaxInterval:         policy.MaximumInterval,
	}
}

// Backoff returns the delay after the given 1-based attempt.
func Backoff(policy models.RetryPolicy, attempt int) time.Duration {
	if policy.MaximumInterval <= 0 {
		policy.MaximumInterval = time.Duration(math.MaxInt64)
	}
	b := exponential(policy)
	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}
