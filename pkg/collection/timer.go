package collection

import "time"

// newTimer wraps time.AfterFunc behind a seam tests can shorten.
var newTimer = func(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, fn)
}
