package gorcutils

import "github.com/gorcnet/gorc/engine/gorclog"

// RunPanicless calls a function panic-freely. A panic in f is logged with its
// stack and confined to f, so one object's failure never aborts a whole
// replication pass.
func RunPanicless(f func()) (paniced bool) {
	defer func() {
		err := recover()
		if err != nil {
			gorclog.TraceError("%v panic: %s", f, err)
			paniced = true
		}
	}()

	f()
	return
}

// CatchPanic calls f and converts a panic to a returned value
func CatchPanic(f func()) (err interface{}) {
	defer func() {
		err = recover()
	}()

	f()
	return
}
