package hostinfo

import (
	"golang.org/x/sys/unix"

	"github.com/dreamware/loadgen/internal/cluster"
)

// loadScale is the fixed-point scale of sysinfo load averages.
const loadScale = 1 << 16

func platformFacts(facts *cluster.HostFacts) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err == nil {
		facts.Release = unix.ByteSliceToString(uts.Release[:])
		facts.Version = unix.ByteSliceToString(uts.Version[:])
		facts.Machine = unix.ByteSliceToString(uts.Machine[:])
	}

	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err == nil {
		unit := uint64(info.Unit)
		if unit == 0 {
			unit = 1
		}
		facts.TotalMemory = uint64(info.Totalram) * unit
		facts.FreeMemory = uint64(info.Freeram) * unit
		facts.Uptime = int64(info.Uptime)
		for i := range facts.LoadAverage {
			facts.LoadAverage[i] = float64(info.Loads[i]) / loadScale
		}
	}
}
