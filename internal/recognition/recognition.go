// Package recognition decides whether a discovered Bluetooth peer belongs to
// the AirPods family, using modalias, manufacturer data, service UUIDs, and
// finally name/alias as a last-resort heuristic.
package recognition

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const appleVendorID = 0x004C

// knownProductIDs are the AirPods-family product ids recognized via modalias
// or manufacturer data.
var knownProductIDs = map[uint16]bool{
	0x2002: true,
	0x200A: true,
	0x200E: true,
	0x200F: true,
	0x2012: true,
	0x2013: true,
	0x2014: true,
	0x2024: true,
}

// knownServiceUUIDs are the AirPods-family short UUIDs under the standard
// Bluetooth base UUID.
var knownServiceUUIDs = buildKnownServiceUUIDs(0xfd6f, 0xfd39, 0xfd32)

func buildKnownServiceUUIDs(shorts ...uint32) map[uuid.UUID]bool {
	out := make(map[uuid.UUID]bool, len(shorts))
	for _, s := range shorts {
		out[shortUUID(s)] = true
	}
	return out
}

// shortUUID expands a 16/32-bit Bluetooth short UUID under the standard base
// 00000000-0000-1000-8000-00805F9B34FB.
func shortUUID(short uint32) uuid.UUID {
	base := uuid.MustParse("00000000-0000-1000-8000-00805F9B34FB")
	var out uuid.UUID = base
	out[0] = byte(short >> 24)
	out[1] = byte(short >> 16)
	out[2] = byte(short >> 8)
	out[3] = byte(short)
	return out
}

// nameSubstrings are the last-resort name/alias markers. "earpods" is
// deliberately excluded: wired earbuds share none of the richer signals.
var nameSubstrings = []string{"airpods", "beats", "powerbeats"}

// Signal bundles the discovery-time data used to recognize a device.
type Signal struct {
	Modalias         string
	ManufacturerData map[uint16][]byte
	ServiceUUIDs     []uuid.UUID
	Name             string
	Alias            string
}

var modaliasRe = regexp.MustCompile(`v([0-9A-Fa-f]{4})p([0-9A-Fa-f]{4})`)

// parseModalias extracts the vendor/product id pair from a modalias string
// such as "bluetooth:v004Cp2014d0100".
func parseModalias(modalias string) (vendor, product uint16, ok bool) {
	m := modaliasRe.FindStringSubmatch(modalias)
	if m == nil {
		return 0, 0, false
	}
	v, err := strconv.ParseUint(m[1], 16, 16)
	if err != nil {
		return 0, 0, false
	}
	p, err := strconv.ParseUint(m[2], 16, 16)
	if err != nil {
		return 0, 0, false
	}
	return uint16(v), uint16(p), true
}

func matchesModalias(modalias string) bool {
	vendor, product, ok := parseModalias(modalias)
	if !ok || vendor != appleVendorID {
		return false
	}
	return knownProductIDs[product]
}

func matchesManufacturerData(data map[uint16][]byte) bool {
	payload, ok := data[appleVendorID]
	if !ok || len(payload) < 7 {
		return false
	}
	if payload[0] != 0x07 {
		return false
	}
	productLow := payload[6]
	for pid := range knownProductIDs {
		if byte(pid) == productLow {
			return true
		}
	}
	return false
}

func matchesServiceUUIDs(uuids []uuid.UUID) bool {
	for _, u := range uuids {
		if knownServiceUUIDs[u] {
			return true
		}
	}
	return false
}

func matchesNameOrAlias(name, alias string) bool {
	lowerName := strings.ToLower(name)
	lowerAlias := strings.ToLower(alias)
	for _, needle := range nameSubstrings {
		if strings.Contains(lowerName, needle) || strings.Contains(lowerAlias, needle) {
			return true
		}
	}
	return false
}

// Matches reports whether the given discovery signal identifies a supported
// AirPods-family device, per §4.I: modalias, then manufacturer data, then
// service UUIDs, then name/alias as a last resort.
func Matches(s Signal) bool {
	if matchesModalias(s.Modalias) {
		return true
	}
	if matchesManufacturerData(s.ManufacturerData) {
		return true
	}
	if matchesServiceUUIDs(s.ServiceUUIDs) {
		return true
	}
	return matchesNameOrAlias(s.Name, s.Alias)
}
