package symresolve

import (
	"runtime"
	"testing"
)

// testFuncPC returns a PC known to be inside this test binary's own code,
// for exercising the in-process runtime.FuncForPC resolution path.
func testFuncPC(t *testing.T) uintptr {
	t.Helper()
	pc, _, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller(0) failed")
	}
	return pc
}
