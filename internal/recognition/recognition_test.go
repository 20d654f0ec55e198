package recognition

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestMatchesModaliasKnownProduct(t *testing.T) {
	s := Signal{Modalias: "bluetooth:v004Cp2014d0100"}
	assert.True(t, Matches(s))
}

func TestMatchesModaliasUnknownProduct(t *testing.T) {
	s := Signal{Modalias: "bluetooth:v004Cp1000d0100"}
	assert.False(t, Matches(s))
}

func TestMatchesNameWithNoOtherSignalFalseForEarPods(t *testing.T) {
	s := Signal{Name: "EarPods"}
	assert.False(t, Matches(s))
}

func TestMatchesNameSubstringAirPods(t *testing.T) {
	s := Signal{Name: "Bob's AirPods Pro"}
	assert.True(t, Matches(s))
}

func TestMatchesManufacturerDataKnownProductLowByte(t *testing.T) {
	s := Signal{
		ManufacturerData: map[uint16][]byte{
			0x004C: {0x07, 0x00, 0x00, 0x00, 0x00, 0x00, 0x14},
		},
	}
	assert.True(t, Matches(s))
}

func TestMatchesManufacturerDataWrongTLVType(t *testing.T) {
	s := Signal{
		ManufacturerData: map[uint16][]byte{
			0x004C: {0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x14},
		},
	}
	assert.False(t, Matches(s))
}

func TestMatchesServiceUUID(t *testing.T) {
	s := Signal{ServiceUUIDs: []uuid.UUID{shortUUID(0xfd6f)}}
	assert.True(t, Matches(s))
}

func TestMatchesAliasSubstringBeats(t *testing.T) {
	s := Signal{Alias: "Powerbeats Pro"}
	assert.True(t, Matches(s))
}
