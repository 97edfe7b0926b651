package server

import "testing"

// fatalIfErr fails the current test immediately if err is non-nil, folding
// err into the message so callers don't need a separate t.Fatalf per error
// check.
func fatalIfErr(t *testing.T, err error, format string, args ...interface{}) {
	t.Helper()
	if err != nil {
		t.Fatalf(format+": %v", append(args, err)...)
	}
}
