//go:build windows

package mem

// VirtualLock is per-region; enclaves already cover the key material
func lockMemoryPlatform() (ProtectionLevel, error) {
	return ProtectionPartial, nil
}

func unlockMemoryPlatform() error {
	return nil
}
