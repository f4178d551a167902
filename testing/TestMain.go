// Package testing switches the process into test mode when imported. Test
// packages that touch internal/app blank import it so runtime guards see the
// flag before any init code runs.
package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

const testModeEnv = "ODYSSEY_TEST_MODE"

var once sync.Once

// Enable sets the test mode flag for the current process.
func Enable() {
	once.Do(func() {
		_ = os.Setenv(testModeEnv, "1")
	})
}

func init() {
	Enable()
}

// TestMain runs m with the flag set. Packages with their own TestMain can
// delegate to it.
func TestMain(m *stdtesting.M) {
	Enable()
	os.Exit(m.Run())
}
