//go:build windows

package main

// resizeSignals is a no-op; Windows consoles have no SIGWINCH.
func resizeSignals() (<-chan struct{}, func()) {
	return make(chan struct{}), func() {}
}
