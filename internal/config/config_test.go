package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_FromFlags_Empty(t *testing.T) {
	_, err := FromFlags("")
	assert.ErrorIs(t, err, ErrNoSubOptions)
}

func Test_FromFlags_Mapping(t *testing.T) {
	cfg, err := FromFlags("mapping=/tmp/trace.out")
	require.NoError(t, err)

	assert.True(t, cfg.InternalDecode)
	assert.False(t, cfg.RecordRawTrace)
	assert.Equal(t, "/tmp/trace.out", cfg.MappingPath)
}

func Test_FromFlags_IntelPTData(t *testing.T) {
	cfg, err := FromFlags("intel-pt-data=/tmp/raw.bin")
	require.NoError(t, err)

	assert.True(t, cfg.RecordRawTrace)
	assert.Equal(t, "/tmp/raw.bin", cfg.RawTracePath)
}

func Test_FromFlags_BothModeFlagsSet_LeftToController(t *testing.T) {
	// FromFlags itself does not reject this combination -- controller.New
	// is responsible for rejecting it with ErrConflictingModes, since it's
	// the component that would have to run both pipelines at once.
	cfg, err := FromFlags("mapping=/tmp/trace.out,intel-pt-data=/tmp/raw.bin")
	require.NoError(t, err)
	assert.True(t, cfg.InternalDecode)
	assert.True(t, cfg.RecordRawTrace)
}

func Test_FromFlags_InsertJMX_ForcesMappingOffsetSeven(t *testing.T) {
	cfg, err := FromFlags("mapping=/tmp/trace.out,insert-jmx=true")
	require.NoError(t, err)

	assert.True(t, cfg.InsertJMX)
	assert.EqualValues(t, 7, cfg.MappingOffset)
}

func Test_FromFlags_InsertJMXFalse_LeavesOffsetZero(t *testing.T) {
	cfg, err := FromFlags("mapping=/tmp/trace.out,insert-jmx=false")
	require.NoError(t, err)

	assert.False(t, cfg.InsertJMX)
	assert.Zero(t, cfg.MappingOffset)
}

func Test_FromFlags_UnknownBoolValue(t *testing.T) {
	_, err := FromFlags("use-chain-count=maybe")
	assert.ErrorIs(t, err, ErrUnknownBoolValue)
}

func Test_FromFlags_UnknownKey(t *testing.T) {
	_, err := FromFlags("frobnicate=true")
	assert.Error(t, err)
}

func Test_FromFlags_AllIndependentToggles(t *testing.T) {
	cfg, err := FromFlags("mapping=/tmp/trace.out,use-chain-count=true,insert-pt-write=true")
	require.NoError(t, err)

	assert.True(t, cfg.UseChainCount)
	assert.True(t, cfg.InsertPTWrite)
	assert.False(t, cfg.InsertJMX)
}
