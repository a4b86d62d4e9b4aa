package dispatch

import (
	"bytes"
	"runtime"
	"strconv"
)

// curGoroutineID extracts the current goroutine id from the first stack
// trace line, which reads "goroutine 123 [running]:". The runtime offers no
// public accessor; the id is used only to detect re-entry onto a worker's
// own goroutine so a blocking call from the owner can run inline instead of
// deadlocking on its own queue. It is never used for scheduling.
func curGoroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	s := bytes.TrimPrefix(buf[:n], []byte("goroutine "))
	if i := bytes.IndexByte(s, ' '); i >= 0 {
		s = s[:i]
	}
	id, err := strconv.ParseInt(string(s), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
