//go:build !linux

package hostinfo

import "github.com/dreamware/loadgen/internal/cluster"

func platformFacts(*cluster.HostFacts) {}
