// Package guard is imported for its side effect by tests that build the
// application: it switches the binaries to test mode and keeps telemetry off.
package guard

import "os"

func init() {
	setDefault("ODYSSEY_TEST_MODE", "1")
	setDefault("ENABLE_TELEMETRY", "false")
}

func setDefault(key, value string) {
	if _, ok := os.LookupEnv(key); !ok {
		_ = os.Setenv(key, value)
	}
}
