package chat

import (
	"github.com/realtime-chat-go/internal/models"
	"github.com/realtime-chat-go/internal/services/store"
)

// wireRow builds the insert payload. Local fields are never sent: the store
// assigns id and time, and optimistic state lives only on the client.
func wireRow(record models.ChatRecord) store.Row {
	return store.Row{
		Name:    record.Name,
		Color:   record.Color,
		Message: record.Message,
		System:  record.IsSystem,
		Email:   record.Email,
		IP:      record.OriginIP,
		UA:      record.OriginUserAgent,
	}
}

func recordFromRow(row store.Row) models.ChatRecord {
	return models.ChatRecord{
		ID:              models.ConfirmedID(row.ID),
		Name:            row.Name,
		Color:           row.Color,
		Message:         row.Message,
		ServerTime:      row.Time,
		ClientTime:      row.ClientTime,
		IsSystem:        row.System,
		Email:           row.Email,
		OriginIP:        row.IP,
		OriginUserAgent: row.UA,
	}
}

func recordsFromRows(rows []store.Row) []models.ChatRecord {
	records := make([]models.ChatRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, recordFromRow(row))
	}
	return records
}
