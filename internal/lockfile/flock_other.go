//go:build !unix

package lockfile

import "os"

// Non-unix platforms get no kernel-level lock; the lock file still exists
// as an advisory marker.
func flockExclusiveNonBlock(f *os.File) error { return nil }

func flockUnlock(f *os.File) error { return nil }
