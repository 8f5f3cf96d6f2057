package models

import (
	"sort"
	"strings"
	"time"
)

const localPrefix = "local:"

// RecordID identifies a chat record. A confirmed id was assigned by the
// remote store and sorts by creation time; a local id was minted on this
// device and is never sent to the remote store.
type RecordID struct {
	value string
	local bool
}

// ConfirmedID wraps a remote, time-ordered id.
func ConfirmedID(id string) RecordID {
	return RecordID{value: id}
}

// LocalID wraps a device-local token.
func LocalID(token string) RecordID {
	return RecordID{value: token, local: true}
}

func (id RecordID) IsZero() bool      { return id.value == "" }
func (id RecordID) IsLocal() bool     { return id.local && id.value != "" }
func (id RecordID) IsConfirmed() bool { return !id.local && id.value != "" }

// Value returns the raw id or token without its kind.
func (id RecordID) Value() string { return id.value }

func (id RecordID) String() string {
	if id.local {
		return localPrefix + id.value
	}
	return id.value
}

func (id RecordID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *RecordID) UnmarshalText(text []byte) error {
	*id = ParseRecordID(string(text))
	return nil
}

// ParseRecordID reverses String.
func ParseRecordID(s string) RecordID {
	if strings.HasPrefix(s, localPrefix) {
		return LocalID(strings.TrimPrefix(s, localPrefix))
	}
	return ConfirmedID(s)
}

// ChatRecord represents a single chat entry
type ChatRecord struct {
	ID              RecordID `json:"id"`
	Name            string   `json:"name"`
	Color           string   `json:"color"`
	Message         string   `json:"message"`
	ServerTime      int64    `json:"time"`
	ClientTime      int64    `json:"client_time,omitempty"`
	IsOptimistic    bool     `json:"optimistic,omitempty"`
	IsSystem        bool     `json:"system,omitempty"`
	Email           string   `json:"email,omitempty"`
	OriginIP        string   `json:"ip,omitempty"`
	OriginUserAgent string   `json:"ua,omitempty"`
}

// Time returns the best known creation time in milliseconds.
func (r ChatRecord) Time() int64 {
	if r.ServerTime != 0 {
		return r.ServerTime
	}
	return r.ClientTime
}

// CacheSnapshot is the unit persisted by cache storage
type CacheSnapshot struct {
	Entries    []ChatRecord `json:"entries"`
	CapturedAt int64        `json:"captured_at"`
}

// Age returns how old the snapshot is relative to now.
func (s *CacheSnapshot) Age(now time.Time) time.Duration {
	return time.Duration(now.UnixMilli()-s.CapturedAt) * time.Millisecond
}

// CacheInfo describes the current cache state
type CacheInfo struct {
	Cached bool          `json:"cached"`
	Age    time.Duration `json:"age,omitempty"`
}

// Page is one slice of the chat log
type Page struct {
	Items   []ChatRecord `json:"items"`
	HasMore bool         `json:"has_more"`
}

// Participant is a recently active sender
type Participant struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// RankingEntry aggregates messages per sender
type RankingEntry struct {
	Name     string `json:"name"`
	Count    int    `json:"count"`
	LastTime int64  `json:"last_time"`
}

// SortNewestFirst orders records for display. Confirmed ids are
// time-ordered, so they decide ties that time alone cannot.
func SortNewestFirst(records []ChatRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		ti, tj := records[i].Time(), records[j].Time()
		if ti != tj {
			return ti > tj
		}
		a, b := records[i].ID, records[j].ID
		if a.IsConfirmed() && b.IsConfirmed() {
			return a.Value() > b.Value()
		}
		return false
	})
}

// IndexOf returns the position of the record with the given id, or -1.
func IndexOf(records []ChatRecord, id RecordID) int {
	for i := range records {
		if records[i].ID == id {
			return i
		}
	}
	return -1
}

// Upsert replaces the record with the same id in place, or inserts it at
// the head. The result is truncated to limit entries when limit > 0.
func Upsert(records []ChatRecord, record ChatRecord, limit int) []ChatRecord {
	if i := IndexOf(records, record.ID); i >= 0 {
		out := make([]ChatRecord, len(records))
		copy(out, records)
		out[i] = record
		return Bound(out, limit)
	}
	out := make([]ChatRecord, 0, len(records)+1)
	out = append(out, record)
	out = append(out, records...)
	return Bound(out, limit)
}

// Bound keeps the first limit entries.
func Bound(records []ChatRecord, limit int) []ChatRecord {
	if limit > 0 && len(records) > limit {
		return records[:limit]
	}
	return records
}
