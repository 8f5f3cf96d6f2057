package i18n

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"github.com/realtime-chat-go/internal/config"
	"golang.org/x/text/language"
)

// Localizer manages internationalization
type Localizer struct {
	bundle          *i18n.Bundle
	defaultLanguage string
	localizers      map[string]*i18n.Localizer
}

// NewLocalizer loads <directory>/<lang>.json for every configured language
func NewLocalizer(cfg *config.I18nConfig) (*Localizer, error) {
	bundle := i18n.NewBundle(language.English)
	bundle.RegisterUnmarshalFunc("json", json.Unmarshal)

	dir := cfg.Directory
	if dir == "" {
		dir = "configs/i18n"
	}

	// Load language files
	for _, lang := range cfg.Languages {
		if _, err := bundle.LoadMessageFile(filepath.Join(dir, lang+".json")); err != nil {
			return nil, fmt.Errorf("failed to load language file %s: %w", lang, err)
		}
	}

	localizers := make(map[string]*i18n.Localizer)
	for _, lang := range cfg.Languages {
		localizers[lang] = i18n.NewLocalizer(bundle, lang)
	}

	defaultLanguage := cfg.DefaultLanguage
	if _, ok := localizers[defaultLanguage]; !ok {
		if len(cfg.Languages) == 0 {
			return nil, fmt.Errorf("no languages configured")
		}
		defaultLanguage = cfg.Languages[0]
	}

	return &Localizer{
		bundle:          bundle,
		defaultLanguage: defaultLanguage,
		localizers:      localizers,
	}, nil
}

// Get returns localized message
func (l *Localizer) Get(lang, messageID string, data map[string]interface{}) string {
	localizer, exists := l.localizers[lang]
	if !exists {
		localizer = l.localizers[l.defaultLanguage]
	}

	msg, err := localizer.Localize(&i18n.LocalizeConfig{
		MessageID:    messageID,
		TemplateData: data,
	})
	if err != nil {
		return messageID // Fallback to message ID
	}

	return msg
}

// DefaultLanguage returns the language used for unknown tags
func (l *Localizer) DefaultLanguage() string {
	return l.defaultLanguage
}

// Message IDs
const (
	MsgWelcome           = "welcome"
	MsgOffline           = "offline"
	MsgHelp              = "help"
	MsgJoined            = "joined"
	MsgLeft              = "left"
	MsgRenamed           = "renamed"
	MsgCleared           = "cleared"
	MsgWho               = "who"
	MsgWhoEmpty          = "who_empty"
	MsgRank              = "rank"
	MsgRankEntry         = "rank_entry"
	MsgRankEmpty         = "rank_empty"
	MsgRefreshed         = "refreshed"
	MsgUnknownCommand    = "unknown_command"
	MsgRateLimitExceeded = "rate_limit_exceeded"
	MsgSendFailed        = "send_failed"
)
