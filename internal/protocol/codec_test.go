package protocol

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildParseFeatureCmdRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		payload uint32
		wantOK  bool
		want    FeatureCmd
	}{
		{"query", 0, true, FeatureQuery},
		{"enable", 1, true, FeatureEnable},
		{"disable", 2, true, FeatureDisable},
		{"unknown", 7, false, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var data [4]byte
			binary.LittleEndian.PutUint32(data[:], tc.payload)
			frame := BuildControl(byte(FeatureNoiseControl), data)

			feature, cmd, err := ParseFeatureCmd(frame)
			if !tc.wantOK {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, FeatureNoiseControl, feature)
			assert.Equal(t, tc.want, cmd)
		})
	}
}

func TestParseTooShort(t *testing.T) {
	_, err := ParseNoiseMode([]byte{0x04, 0x00})
	require.Error(t, err)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "TooShort", pe.Kind)
	assert.Equal(t, 8, pe.Expected)
	assert.Equal(t, 2, pe.Actual)
}

func TestParseBatteryStatusCount(t *testing.T) {
	tooMany := append(append([]byte{}, HeaderBatteryState...), 4)
	_, err := ParseBatteryStatus(tooMany, nil)
	require.Error(t, err)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "InvalidBatteryCount", pe.Kind)

	wrongLen := append(append([]byte{}, HeaderBatteryState...), 1, 0x02, 0x01, 50, 0x00)
	_, err = ParseBatteryStatus(wrongLen, nil)
	require.Error(t, err)
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "SizeMismatch", pe.Kind)
}

func TestParseBatteryStatusHandshakeScenario(t *testing.T) {
	frame := []byte{
		0x04, 0x00, 0x04, 0x00, 0x04, 0x00, 0x03,
		0x02, 0x01, 0x50, 0x00, 0x01,
		0x04, 0x01, 0x40, 0x00, 0x01,
		0x08, 0x01, 0x60, 0x00, 0x01,
	}
	records, err := ParseBatteryStatus(frame, nil)
	require.NoError(t, err)
	require.Len(t, records, 3)

	byComponent := make(map[Component]BatteryState)
	for _, r := range records {
		byComponent[r.Component] = r.State
	}
	assert.Equal(t, uint8(0x50), byComponent[ComponentRight].Level)
	assert.Equal(t, uint8(0x40), byComponent[ComponentLeft].Level)
	assert.Equal(t, uint8(0x60), byComponent[ComponentCase].Level)
	for _, st := range byComponent {
		assert.Equal(t, StatusNormal, st.Status)
	}
}

func TestParseBatteryStatusSkipsDisconnected(t *testing.T) {
	frame := []byte{
		0x04, 0x00, 0x04, 0x00, 0x04, 0x00, 0x01,
		0x02, 0x01, 0x22, 0x04, 0x01,
	}
	var warnings []string
	records, err := ParseBatteryStatus(frame, func(msg string) { warnings = append(warnings, msg) })
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.NotEmpty(t, warnings)
}

func TestParseEarDetection(t *testing.T) {
	frame := append(append([]byte{}, HeaderEarDetection...), 0x00, 0x01)
	status, err := ParseEarDetection(frame)
	require.NoError(t, err)
	assert.True(t, status.IsLeftInEar())
	assert.False(t, status.IsRightInEar())
}

func TestParseMetadataNoName(t *testing.T) {
	frame := append(append([]byte{}, HeaderMetadata...), make([]byte, 20)...)
	meta, err := ParseMetadata(frame)
	require.NoError(t, err)
	assert.False(t, meta.HasName)
}

func TestFeatureBitpos(t *testing.T) {
	word, mask := FeatureAllowOff.Bitpos()
	assert.Equal(t, 0, word)
	assert.NotZero(t, mask)

	word2, _ := FeatureID(0x80).Bitpos()
	assert.Equal(t, 2, word2)
}
