package stackrecord

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/heaptrace/heaptrace/internal/addr"
	"github.com/heaptrace/heaptrace/internal/symresolve"
)

func collect(r *Record) []addr.Instruction {
	out := make([]addr.Instruction, r.Len())
	for i := range out {
		out[i] = r.At(i)
	}
	return out
}

func TestPush_TruncatesAtCapacity(t *testing.T) {
	var r Record
	for i := 0; i < Capacity+5; i++ {
		r.Push(addr.Instruction(i + 1))
	}
	require.Equal(t, Capacity, r.Len())
	require.Equal(t, addr.Instruction(1), r.At(0))
	require.Equal(t, addr.Instruction(Capacity), r.At(Capacity-1))
}

func TestClear(t *testing.T) {
	var r Record
	r.Push(1)
	r.Push(2)
	r.Clear()
	require.Equal(t, 0, r.Len())
}

func TestFill(t *testing.T) {
	var r Record
	r.Push(99)
	r.Fill([]addr.Instruction{1, 2, 3})
	require.Equal(t, 3, r.Len())
	require.Equal(t, addr.Instruction(1), r.At(0))
}

func TestFill_ReplacesContentsExactly(t *testing.T) {
	var r Record
	r.Fill([]addr.Instruction{10, 20, 30})
	frames := []addr.Instruction{40, 41}
	r.Fill(frames)

	if diff := cmp.Diff(frames, collect(&r)); diff != "" {
		t.Fatalf("Fill result mismatch (-want +got):\n%s", diff)
	}
}

func TestFill_TruncatesToCapacity(t *testing.T) {
	var r Record
	input := make([]addr.Instruction, Capacity+3)
	for i := range input {
		input[i] = addr.Instruction(i)
	}
	r.Fill(input)

	if diff := cmp.Diff(input[:Capacity], collect(&r)); diff != "" {
		t.Fatalf("Fill truncation mismatch (-want +got):\n%s", diff)
	}
}

func TestDump_UnresolvedAddressUsesFallback(t *testing.T) {
	var r Record
	r.Push(0)
	var buf bytes.Buffer
	r.Dump(&buf, symresolve.New(), true, nil)
	require.Contains(t, buf.String(), "File and line number not available")
}

func TestDump_FiltersInternalFrames(t *testing.T) {
	var r Record
	r.Push(0)
	var buf bytes.Buffer
	r.Dump(&buf, symresolve.New(), false, []string{"malloc.c"})
	// Unresolved frames have no file, so the filter never matches them;
	// this just exercises the showInternal=false path without panicking.
	require.NotNil(t, buf)
}
