//go:build !linux

package log

import "os"

func adviseSequential(*os.File) {}
