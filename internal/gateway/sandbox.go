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
	"sync"

	"go.uber.org/zap"
)

// Fault is a failure the sandbox injects into the next Settle call.
type Fault int

const (
	// FaultRetryable fails without applying the transfer
	FaultRetryable Fault = iota + 1
	// FaultFatal rejects the transfer permanently
	FaultFatal
	// FaultLostAck applies the transfer but reports a retryable failure
	FaultLostAck
)

// Sandbox is an in-memory external ledger with at-least-once semantics. Transfers are
// deduplicated by memo, so replaying a memo never moves funds twice. Like the Formance
// backend, source identities may overdraw: balances track net external flow per identity.
type Sandbox struct {
	mu          sync.Mutex
	balances    map[string]int64
	applied     map[string]SettleRequest
	faults      []Fault
	gate        chan struct{}
	settleCalls int
}

var _ Gateway = (*Sandbox)(nil)

func NewSandbox() *Sandbox {
	return &Sandbox{
		balances: make(map[string]int64),
		applied:  make(map[string]SettleRequest),
	}
}

// Fund adds amount to identity as if it arrived from outside the system.
func (s *Sandbox) Fund(identity string, amount int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[identity] += amount
	zap.L().Info("Sandbox funded", zap.String("identity", identity), zap.Int64("amount", amount))
}

// InjectFaults queues faults consumed by subsequent Settle calls in order.
func (s *Sandbox) InjectFaults(faults ...Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, faults...)
}

// Hold blocks every Settle call until Release is called or the call's context ends.
func (s *Sandbox) Hold() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gate == nil {
		s.gate = make(chan struct{})
	}
}

func (s *Sandbox) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gate != nil {
		close(s.gate)
		s.gate = nil
	}
}

func (s *Sandbox) Settle(ctx context.Context, req SettleRequest) error {
	if err := s.waitGate(ctx); err != nil {
		return NewRetryable("settlement timed out", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.settleCalls++
	var fault Fault
	if len(s.faults) > 0 {
		fault = s.faults[0]
		s.faults = s.faults[1:]
	}

	switch fault {
	case FaultRetryable:
		return NewRetryable("injected transient failure", nil)
	case FaultFatal:
		return NewFatal("injected permanent failure", nil)
	}

	if _, ok := s.applied[req.Memo]; !ok {
		s.balances[req.From] -= req.Amount
		s.balances[req.To] += req.Amount
		s.applied[req.Memo] = req
	}

	if fault == FaultLostAck {
		return NewRetryable("acknowledgement lost", nil)
	}
	return nil
}

func (s *Sandbox) QueryBalance(ctx context.Context, identity string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, NewRetryable("balance query cancelled", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[identity], nil
}

// Balance returns the external balance of identity.
func (s *Sandbox) Balance(identity string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[identity]
}

// Transfers returns the number of distinct transfers applied.
func (s *Sandbox) Transfers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.applied)
}

// SettleCalls returns the number of Settle calls that reached the ledger.
func (s *Sandbox) SettleCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settleCalls
}

func (s *Sandbox) waitGate(ctx context.Context) error {
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()

	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
