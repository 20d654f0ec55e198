package study

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"airpodsd/internal/protocol"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "battery_study.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var testAddr = [6]byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}

func TestGetOrCreate(t *testing.T) {
	s := openTestStore(t)

	study, err := s.GetOrCreate(testAddr, "Test AirPods")
	require.NoError(t, err)
	assert.Equal(t, "Test AirPods", study.DeviceName)
	assert.Zero(t, study.TotalSessions)

	again, err := s.GetOrCreate(testAddr, "Renamed")
	require.NoError(t, err)
	assert.Equal(t, "Test AirPods", again.DeviceName, "existing record should not be overwritten")
}

func TestUpdateDrainRateConvergence(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetOrCreate(testAddr, "Test AirPods")
	require.NoError(t, err)

	require.NoError(t, s.UpdateDrainRate(testAddr, protocol.NoiseNC, 10, 10))
	require.NoError(t, s.UpdateDrainRate(testAddr, protocol.NoiseNC, 14, 10))

	rate, ci1, ok, err := s.GetDrainRate(testAddr, protocol.NoiseNC)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 12.0, rate, 1e-6)
	assert.True(t, ci1 > 0)

	require.NoError(t, s.UpdateDrainRate(testAddr, protocol.NoiseNC, 12, 10))
	_, ci2, ok, err := s.GetDrainRate(testAddr, protocol.NoiseNC)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Less(t, ci2, ci1)
}

func TestGetDrainRateMissing(t *testing.T) {
	s := openTestStore(t)
	_, _, ok, err := s.GetDrainRate(testAddr, protocol.NoiseOff)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIncrementSession(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetOrCreate(testAddr, "Test AirPods")
	require.NoError(t, err)

	require.NoError(t, s.IncrementSession(testAddr))
	require.NoError(t, s.IncrementSession(testAddr))

	study, err := s.GetOrCreate(testAddr, "Test AirPods")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), study.TotalSessions)
}
