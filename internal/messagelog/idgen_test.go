package messagelog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testEpoch = int64(1704067200000)

func TestSnowflake_InvalidMachineID(t *testing.T) {
	_, err := NewSnowflakeGenerator(1024, testEpoch)
	assert.Error(t, err)
	_, err = NewSnowflakeGenerator(-1, testEpoch)
	assert.Error(t, err)
}

func TestSnowflake_StrictlyIncreasing(t *testing.T) {
	g, err := NewSnowflakeGenerator(7, testEpoch)
	require.NoError(t, err)

	var last int64
	for i := 0; i < 10000; i++ {
		id, err := g.Next()
		require.NoError(t, err)
		require.Greater(t, id, last)
		last = id
	}

	_, machineID, _ := g.decompose(last)
	assert.Equal(t, int64(7), machineID)
}

func TestSnowflake_ClockStepsBack(t *testing.T) {
	g, err := NewSnowflakeGenerator(1, testEpoch)
	require.NoError(t, err)

	clock := testEpoch + 5000
	g.now = func() int64 { return clock }

	first, err := g.Next()
	require.NoError(t, err)

	clock -= 1000
	second, err := g.Next()
	require.NoError(t, err)
	assert.Greater(t, second, first)

	ts, _, seq := g.decompose(second)
	assert.Equal(t, testEpoch+5000, ts)
	assert.Equal(t, int64(1), seq)
}

func TestSnowflake_BeforeEpoch(t *testing.T) {
	g, err := NewSnowflakeGenerator(1, testEpoch)
	require.NoError(t, err)
	g.now = func() int64 { return testEpoch - 1 }

	_, err = g.Next()
	assert.Error(t, err)
}
