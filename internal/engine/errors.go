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

package engine

import (
	"errors"
	"fmt"

	"virtual-settlement-go/internal/models"
	"virtual-settlement-go/internal/store"
)

// FrozenError is returned for mutations on an account frozen after an invariant violation.
// It matches store.ErrAccountFrozen with errors.Is.
type FrozenError struct {
	Account models.Account
	Reason  string
}

func (e *FrozenError) Error() string {
	return fmt.Sprintf("account %s frozen: %s", e.Account, e.Reason)
}

func (e *FrozenError) Unwrap() error {
	return store.ErrAccountFrozen
}

// IsFrozen reports whether err was caused by a frozen account.
func IsFrozen(err error) bool {
	var fe *FrozenError
	return errors.As(err, &fe) || errors.Is(err, store.ErrAccountFrozen)
}
