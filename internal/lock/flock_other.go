//go:build !unix

package lock

import "os"

// Advisory locking is only implemented for unix; elsewhere the lock file is informational.
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
