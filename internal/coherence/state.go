// Package coherence keeps the host and device copies of one logical buffer
// consistent. A Manager gates every access to either copy and copies data
// across only when the side being accessed is stale.
package coherence

// DirtyState records which physical copy of a buffer is stale
type DirtyState int

const (
	// Clean means both copies agree, or only the host copy exists
	Clean DirtyState = iota

	// HostStale means the device holds the latest write
	HostStale

	// DeviceStale means the host holds the latest write
	DeviceStale

	// Poisoned means a transfer failed and neither copy can be trusted
	Poisoned
)

func (s DirtyState) String() string {
	switch s {
	case Clean:
		return "clean"
	case HostStale:
		return "host-stale"
	case DeviceStale:
		return "device-stale"
	case Poisoned:
		return "poisoned"
	default:
		return "unknown"
	}
}

// HostDirty reports whether a host read must pull from the device first
func (s DirtyState) HostDirty() bool { return s == HostStale }

// DeviceDirty reports whether a device read must push from the host first
func (s DirtyState) DeviceDirty() bool { return s == DeviceStale }
