//go:build !linux

package process

// waitExited is a no-op where waitid is unavailable. Signals racing the
// reap in Wait are then bounded to the instant between reap and the
// exited flag being set.
func waitExited(int) {}
