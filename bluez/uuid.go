package bluez

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// BaseUUID is the Bluetooth SIG base UUID 00000000-0000-1000-8000-00805F9B34FB.
var BaseUUID = uuid.MustParse("00000000-0000-1000-8000-00805f9b34fb")

// UUIDFromUint16 expands an assigned 16-bit number onto the base UUID.
func UUIDFromUint16(v uint16) uuid.UUID {
	return UUIDFromUint32(uint32(v))
}

// UUIDFromUint32 expands a 32-bit alias onto the base UUID.
func UUIDFromUint32(v uint32) uuid.UUID {
	u := BaseUUID
	binary.BigEndian.PutUint32(u[:4], v)
	return u
}

// ShortUUID reports the 16-bit alias of u if it is derived from the base UUID.
func ShortUUID(u uuid.UUID) (uint16, bool) {
	if [12]byte(u[4:]) != [12]byte(BaseUUID[4:]) {
		return 0, false
	}
	v := binary.BigEndian.Uint32(u[:4])
	if v > 0xffff {
		return 0, false
	}
	return uint16(v), true
}

// ParseUUID accepts full 128-bit UUIDs as well as 16 and 32-bit aliases
// ("180d", "0x180D", "0000180d").
func ParseUUID(s string) (uuid.UUID, error) {
	short := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	if len(short) == 4 || len(short) == 8 {
		v, err := strconv.ParseUint(short, 16, 32)
		if err != nil {
			return uuid.Nil, fmt.Errorf("invalid uuid %q: %w", s, err)
		}
		return UUIDFromUint32(uint32(v)), nil
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid uuid %q: %w", s, err)
	}
	return u, nil
}

func parseUUIDs(values []string) ([]uuid.UUID, error) {
	out := make([]uuid.UUID, 0, len(values))
	for _, s := range values {
		u, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("invalid uuid %q: %w", s, err)
		}
		out = append(out, u)
	}
	return out, nil
}
