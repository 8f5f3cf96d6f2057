package models

import (
	"crypto/rand"

	"github.com/google/uuid"
)

// NewRecordID mints a time-ordered id the way the remote store does.
func NewRecordID() (RecordID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return RecordID{}, err
	}
	return ConfirmedID(id.String()), nil
}

// NewRecordIDAt mints a UUIDv7 for ms. seq fills the 12 bit counter field so
// ids minted within one millisecond keep their order.
func NewRecordIDAt(ms int64, seq uint16) (RecordID, error) {
	var u uuid.UUID
	if _, err := rand.Read(u[8:]); err != nil {
		return RecordID{}, err
	}
	putMillis(&u, ms)
	u[6] = 0x70 | byte(seq>>8)&0x0f
	u[7] = byte(seq)
	u[8] = u[8]&0x3f | 0x80
	return ConfirmedID(u.String()), nil
}

// IDLowerBound returns the smallest UUIDv7 text that can be minted at ms.
// Any id created at or after ms compares greater than or equal to it.
func IDLowerBound(ms int64) string {
	var u uuid.UUID
	putMillis(&u, ms)
	u[6] = 0x70
	u[8] = 0x80
	return u.String()
}

// IDUpperBound returns the largest UUIDv7 text that can be minted at ms.
func IDUpperBound(ms int64) string {
	var u uuid.UUID
	putMillis(&u, ms)
	u[6] = 0x7f
	u[7] = 0xff
	u[8] = 0xbf
	for i := 9; i < 16; i++ {
		u[i] = 0xff
	}
	return u.String()
}

func putMillis(u *uuid.UUID, ms int64) {
	if ms < 0 {
		ms = 0
	}
	u[0] = byte(ms >> 40)
	u[1] = byte(ms >> 32)
	u[2] = byte(ms >> 24)
	u[3] = byte(ms >> 16)
	u[4] = byte(ms >> 8)
	u[5] = byte(ms)
}
