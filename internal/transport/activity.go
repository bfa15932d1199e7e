package transport

import "sync/atomic"

// Activity records whether any frame was read or written since the last reset
type Activity struct {
	touched atomic.Bool
}

// Touch marks the connection as active
func (a *Activity) Touch() {
	a.touched.Store(true)
}

// Reset clears the mark and reports whether it was set
func (a *Activity) Reset() bool {
	return a.touched.Swap(false)
}
