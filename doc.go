// Package heaptrace instruments a host process's heap allocator to catch
// three classes of bugs while the process runs: small-range out-of-bounds
// writes past the end of a tracked allocation, double-free and
// use-of-freed-block errors, and memory leaks still live at shutdown. Each
// detected error is reported with a symbolicated stack trace captured at
// the original allocation site.
//
// A minimal session looks like:
//
//	g, err := heaptrace.New(heaptrace.NewConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := g.Install(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer g.Uninstall(ctx)
//
// heaptrace does not replace the allocator, compact memory, guard pages,
// detect header (underflow) corruption, track allocations across process
// boundaries, or persist reports to a structured format; it maintains a
// single fixed-width tail guard per allocation and nothing more.
package heaptrace

import (
	"io"
	"os"
)

func defaultSinkWriter() io.Writer {
	return os.Stderr
}
