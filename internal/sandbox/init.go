package sandbox

import "os"

const initEnvVar = "SPEC_TO_PROOF_SANDBOX_INIT"

// InitMain must run first in main of any binary that uses ModeNamespace. A
// process started as the sandbox init builds the sandbox and replaces itself
// with the checker; any other process returns immediately.
func InitMain() {
	if os.Getenv(initEnvVar) == "" {
		return
	}
	os.Exit(runInit())
}
