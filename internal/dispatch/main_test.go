// SPDX-License-Identifier: MIT

package dispatch

import (
	"testing"

	"go.uber.org/goleak"
)

// The engine spawns reconciliation goroutines; every test must drain them
// through WaitReconciliation.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
