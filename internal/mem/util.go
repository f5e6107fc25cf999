package mem

// ProtectionLevel indicates how well the process can keep key material out of swap
type ProtectionLevel int

const (
	ProtectionNone    ProtectionLevel = iota // No memory protection available
	ProtectionPartial                        // Enclaves only, pages may still be swapped
	ProtectionFull                           // All current and future pages locked
)

func (l ProtectionLevel) String() string {
	switch l {
	case ProtectionFull:
		return "full"
	case ProtectionPartial:
		return "partial"
	default:
		return "none"
	}
}

// Lock attempts to prevent the process memory from being swapped to disk.
// Lack of privilege is not an error: the level drops to ProtectionPartial.
func Lock() (ProtectionLevel, error) {
	return lockMemoryPlatform()
}

// Unlock releases memory locks if they were applied
func Unlock() error {
	return unlockMemoryPlatform()
}
