//go:build !unix

package peer

import "syscall"

func reuseAddr(_, _ string, _ syscall.RawConn) error { return nil }
