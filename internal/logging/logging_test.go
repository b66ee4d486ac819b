package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSink_Line(t *testing.T) {
	var buf bytes.Buffer
	s := NewSink(&buf)
	s.Line("heap_leak(%05d), 0x%x, %d", 1, uintptr(0xdeadbeef), 4)
	require.Equal(t, "heap_leak(00001), 0xdeadbeef, 4\n", buf.String())
}

func TestFrameWithSource(t *testing.T) {
	require.Equal(t, "    main.c (12): main.foo", FrameWithSource("main.c", 12, "main.foo"))
}

func TestFrameWithoutSource(t *testing.T) {
	require.Equal(t, "    0x00001234 (File and line number not available): main.foo",
		FrameWithoutSource(0x1234, "main.foo"))
}

func TestLeakHeader(t *testing.T) {
	require.Equal(t, "heap_leak(00001), 0x64, 4", LeakHeader(1, 0x64, 4))
}

func TestStatsLines(t *testing.T) {
	lines := StatsLines(1, 2, 3, 4, 5, 6, 7)
	require.Equal(t, []string{
		"not_freed_count, 1",
		"delay_free_block_count, 2",
		"delay_free_memory_size, 3",
		"block_count, 4",
		"memory_size, 5",
		"max_block_count, 6",
		"max_memory_size, 7",
	}, lines)
}
