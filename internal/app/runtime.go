package app

import (
	"os"
	"sync"
)

// TestModeEnv, set to "1", makes the binaries return before touching
// Postgres, Redis or the network.
const TestModeEnv = "ODYSSEY_TEST_MODE"

var testMode = sync.OnceValue(func() bool {
	return os.Getenv(TestModeEnv) == "1"
})

// InTestMode reports whether the application should skip runtime side effects.
// The variable is read once per process.
func InTestMode() bool {
	return testMode()
}
