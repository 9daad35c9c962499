// Package hostinfo describes the machine a worker runs on.
package hostinfo

import (
	"fmt"
	"os"
	"runtime"

	"github.com/dreamware/loadgen/internal/cluster"
)

// Identity returns the default worker identity: the host name.
func Identity() (string, error) {
	name, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("reading hostname: %w", err)
	}
	return name, nil
}

// Facts gathers the host facts reported after each handshake. Facts the
// platform cannot provide are left zero.
func Facts() cluster.HostFacts {
	facts := cluster.HostFacts{
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		CPUs:      runtime.NumCPU(),
		GoVersion: runtime.Version(),
	}
	if name, err := os.Hostname(); err == nil {
		facts.Hostname = name
	}
	platformFacts(&facts)
	return facts
}
