package connector

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain checks for goroutine leaks after all tests in this package
// complete.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
