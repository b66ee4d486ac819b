// Package logging renders the tracker's debug-string sink: one line per
// stack frame, leak, corruption report, or stats snapshot. It is kept
// independent of internal/tracker to avoid a dependency cycle between the
// sink and the components that feed it (symresolve, stackrecord).
package logging

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// Sink is the output channel described by the spec's "Output channel"
// section: a debug-string sink that receives one line per record per
// message. Production code writes to a *logrus.Logger; tests write to a
// buffer via NewSink(w).
type Sink struct {
	log *logrus.Logger
}

// NewSink builds a Sink that writes to w with no timestamp/level prefix,
// matching the original tool's raw OutputDebugString lines.
func NewSink(w io.Writer) *Sink {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&rawLineFormatter{})
	l.SetLevel(logrus.TraceLevel)
	return &Sink{log: l}
}

// rawLineFormatter emits only the message, no level/time/field noise — the
// sink's consumers (leak reports, stats) already produce fully-formed lines.
type rawLineFormatter struct{}

func (*rawLineFormatter) Format(e *logrus.Entry) ([]byte, error) {
	return append([]byte(e.Message), '\n'), nil
}

// Line writes a single preformatted line.
func (s *Sink) Line(format string, args ...interface{}) {
	s.log.Info(fmt.Sprintf(format, args...))
}

// Fatal writes a line and then terminates the process, mirroring the
// original's "report + abort" policy for corruption and double-free. This is
// logrus's standard Fatal behavior (log, then os.Exit(1)) and is the
// idiomatic Go substitute for the spec's abort() call.
func (s *Sink) Fatal(format string, args ...interface{}) {
	s.log.Fatal(fmt.Sprintf(format, args...))
}

// FrameWithSource renders "    <file> (<line>): <function>".
func FrameWithSource(file string, line int, function string) string {
	return fmt.Sprintf("    %s (%d): %s", file, line, function)
}

// FrameWithoutSource renders "    0x<hex8> (File and line number not
// available): <function>".
func FrameWithoutSource(addr uint64, function string) string {
	return fmt.Sprintf("    0x%08x (File and line number not available): %s", addr, function)
}

// UnavailableFunction is printed in place of a missing resolved function
// name.
const UnavailableFunction = "(function name unavailable)"

// LeakHeader renders "heap_leak(<5-digit>), <pointer>, <length>".
func LeakHeader(sequence int, ptr uintptr, length uint64) string {
	return fmt.Sprintf("heap_leak(%05d), 0x%x, %d", sequence, ptr, length)
}

// StatsLines renders the seven stats lines of the spec's Output channel
// section, in order, given byte counts already converted to KiB where the
// spec calls for it.
func StatsLines(notFreed, delayFreeBlocks, delayFreeKiB, blocks, memKiB, maxBlocks, maxMemKiB uint64) []string {
	return []string{
		fmt.Sprintf("not_freed_count, %d", notFreed),
		fmt.Sprintf("delay_free_block_count, %d", delayFreeBlocks),
		fmt.Sprintf("delay_free_memory_size, %d", delayFreeKiB),
		fmt.Sprintf("block_count, %d", blocks),
		fmt.Sprintf("memory_size, %d", memKiB),
		fmt.Sprintf("max_block_count, %d", maxBlocks),
		fmt.Sprintf("max_memory_size, %d", maxMemKiB),
	}
}
