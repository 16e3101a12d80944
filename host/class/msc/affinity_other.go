//go:build !linux

package msc

// pinThread is a no-op where thread placement is not supported.
func pinThread(core, priority int) error {
	return nil
}
