package engine

import (
	"runtime"
	"sort"

	"golang.org/x/sys/cpu"
)

// HostFeatures returns the CPU features of the current host that compiled
// code may depend on, sorted.
func HostFeatures() []string {
	var set []string
	add := func(ok bool, name string) {
		if ok {
			set = append(set, name)
		}
	}

	switch runtime.GOARCH {
	case "amd64", "386":
		add(cpu.X86.HasSSE3, "sse3")
		add(cpu.X86.HasSSSE3, "ssse3")
		add(cpu.X86.HasSSE41, "sse4.1")
		add(cpu.X86.HasSSE42, "sse4.2")
		add(cpu.X86.HasPOPCNT, "popcnt")
		add(cpu.X86.HasAVX, "avx")
		add(cpu.X86.HasAVX2, "avx2")
		add(cpu.X86.HasBMI1, "bmi1")
		add(cpu.X86.HasBMI2, "bmi2")
		add(cpu.X86.HasFMA, "fma")
	case "arm64":
		add(cpu.ARM64.HasASIMD, "asimd")
		add(cpu.ARM64.HasATOMICS, "atomics")
		add(cpu.ARM64.HasFP, "fp")
		add(cpu.ARM64.HasCRC32, "crc32")
	}

	sort.Strings(set)
	return set
}

// MissingFeatures returns the entries of required that the host lacks.
func MissingFeatures(required []string) []string {
	if len(required) == 0 {
		return nil
	}
	have := make(map[string]struct{})
	for _, f := range HostFeatures() {
		have[f] = struct{}{}
	}
	var missing []string
	for _, f := range required {
		if _, ok := have[f]; !ok {
			missing = append(missing, f)
		}
	}
	return missing
}
