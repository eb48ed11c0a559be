//go:build !unix

package filemanager

import "os"

func tryLockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
