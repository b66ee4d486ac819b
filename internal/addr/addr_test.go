package addr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInstruction_String(t *testing.T) {
	require.Equal(t, "0xff", Instruction(0xff).String())
}

func TestInstruction_IsZero(t *testing.T) {
	require.True(t, Instruction(0).IsZero())
	require.False(t, Instruction(1).IsZero())
}
