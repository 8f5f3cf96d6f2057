package stats

import (
	"sort"
	"time"

	"github.com/realtime-chat-go/internal/models"
)

// DefaultRecencyWindow is how recently a sender must have posted to count
// as a participant.
const DefaultRecencyWindow = 5 * time.Minute

// Participants returns one entry per non-system sender whose latest message
// is within window of now, most recently active first. Later messages win
// when a sender changed color.
func Participants(log []models.ChatRecord, now time.Time, window time.Duration) []models.Participant {
	if window <= 0 {
		window = DefaultRecencyWindow
	}
	since := now.Add(-window).UnixMilli()

	type seen struct {
		participant models.Participant
		last        int64
	}
	byName := make(map[string]*seen)
	for _, record := range chronological(log) {
		if record.IsSystem || record.Name == "" {
			continue
		}
		entry, ok := byName[record.Name]
		if !ok {
			entry = &seen{}
			byName[record.Name] = entry
		}
		entry.participant = models.Participant{ID: record.Name, Name: record.Name, Color: record.Color}
		entry.last = record.Time()
	}

	var entries []*seen
	for _, entry := range byName {
		if entry.last >= since {
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].last != entries[j].last {
			return entries[i].last > entries[j].last
		}
		return entries[i].participant.Name < entries[j].participant.Name
	})

	participants := make([]models.Participant, 0, len(entries))
	for _, entry := range entries {
		participants = append(participants, entry.participant)
	}
	return participants
}

// Ranking counts non-system messages per sender, most active first. Ties
// go to the sender who posted last.
func Ranking(log []models.ChatRecord) []models.RankingEntry {
	index := make(map[string]int)
	var ranking []models.RankingEntry
	for _, record := range log {
		if record.IsSystem || record.Name == "" {
			continue
		}
		i, ok := index[record.Name]
		if !ok {
			i = len(ranking)
			index[record.Name] = i
			ranking = append(ranking, models.RankingEntry{Name: record.Name})
		}
		ranking[i].Count++
		if t := record.Time(); t > ranking[i].LastTime {
			ranking[i].LastTime = t
		}
	}

	sort.SliceStable(ranking, func(i, j int) bool {
		if ranking[i].Count != ranking[j].Count {
			return ranking[i].Count > ranking[j].Count
		}
		return ranking[i].LastTime > ranking[j].LastTime
	})
	return ranking
}

func chronological(log []models.ChatRecord) []models.ChatRecord {
	out := make([]models.ChatRecord, len(log))
	copy(out, log)
	models.SortNewestFirst(out)
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
