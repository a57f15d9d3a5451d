package common

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMakeRandHexString_LengthAndHex(t *testing.T) {
	s, err := MakeRandHexString(16)
	require.NoError(t, err)
	require.Len(t, s, 32)
	_, err = hex.DecodeString(s)
	require.NoError(t, err)
}

func TestMakeRandHexString_ZeroSize(t *testing.T) {
	s, err := MakeRandHexString(0)
	require.NoError(t, err)
	require.Empty(t, s)
}
