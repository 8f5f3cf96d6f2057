package handlers

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/realtime-chat-go/internal/config"
	"github.com/realtime-chat-go/internal/i18n"
	"github.com/realtime-chat-go/internal/middleware"
	"github.com/realtime-chat-go/internal/models"
	"github.com/realtime-chat-go/internal/services/stats"
	"github.com/sirupsen/logrus"
)

// Validation errors, returned before anything is sent
var (
	ErrEmptyName      = errors.New("name must not be empty")
	ErrNameTooLong    = errors.New("name is too long")
	ErrEmptyMessage   = errors.New("message must not be empty")
	ErrMessageTooLong = errors.New("message is too long")
	ErrInvalidMessage = errors.New("message is not valid text")
	ErrNotEntered     = errors.New("enter the chat first")
	ErrRateLimited    = errors.New("sending too fast")
)

const (
	systemName  = "System"
	systemColor = "#888888"
	rankLimit   = 10
)

var palette = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231", "#911eb4",
	"#42d4f4", "#f032e6", "#469990", "#9a6324", "#800000",
}

// ChatService is the part of the chat data service actions use
type ChatService interface {
	CreateOptimisticRecord(partial models.ChatRecord) models.ChatRecord
	MergeOptimisticIntoCache(ctx context.Context, record models.ChatRecord)
	ReplaceOptimisticInCache(ctx context.Context, tempID models.RecordID, confirmed models.ChatRecord)
	SaveOptimistic(ctx context.Context, record models.ChatRecord) (models.ChatRecord, error)
	SaveFireAndForget(record models.ChatRecord)
}

// ChatSession is the part of the session actions use
type ChatSession interface {
	AddOptimistic(record models.ChatRecord)
	MergeChat(record models.ChatRecord)
	ResolveOptimistic(tempID models.RecordID, confirmed models.ChatRecord)
	Refresh(ctx context.Context)
	Clear(ctx context.Context) error
	Log() []models.ChatRecord
	LastError() error
}

// Localizer renders system message text
type Localizer interface {
	Get(lang, messageID string, data map[string]interface{}) string
}

// Identity is who the local user posts as
type Identity struct {
	Name      string `json:"name"`
	Color     string `json:"color"`
	Email     string `json:"email,omitempty"`
	IP        string `json:"-"`
	UserAgent string `json:"-"`
}

// ChatActions implements what a user can do in the chat room
type ChatActions struct {
	svc         ChatService
	session     ChatSession
	config      *config.ChatConfig
	rateLimiter middleware.RateLimiter
	security    *middleware.SecurityMiddleware
	localizer   Localizer
	logger      *logrus.Logger
	metrics     *middleware.Metrics
	clock       func() time.Time

	mu       sync.RWMutex
	identity *Identity
}

// NewChatActions creates chat actions
func NewChatActions(
	svc ChatService,
	session ChatSession,
	cfg *config.ChatConfig,
	rateLimiter middleware.RateLimiter,
	localizer Localizer,
	logger *logrus.Logger,
	metrics *middleware.Metrics,
) *ChatActions {
	return &ChatActions{
		svc:         svc,
		session:     session,
		config:      cfg,
		rateLimiter: rateLimiter,
		security:    middleware.NewSecurityMiddleware(cfg.MaxMessageLength, logger),
		localizer:   localizer,
		logger:      logger,
		metrics:     metrics,
		clock:       time.Now,
	}
}

// WithClock replaces the clock used for recency checks
func (a *ChatActions) WithClock(clock func() time.Time) *ChatActions {
	a.clock = clock
	return a
}

// Identity returns the current identity, or nil before Enter
func (a *ChatActions) Identity() *Identity {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.identity == nil {
		return nil
	}
	id := *a.identity
	return &id
}

// Enter sets the identity and announces it
func (a *ChatActions) Enter(ctx context.Context, identity Identity) error {
	name, err := a.validateName(identity.Name)
	if err != nil {
		return err
	}
	identity.Name = name
	if identity.Color == "" {
		identity.Color = ColorFor(name)
	}

	a.mu.Lock()
	a.identity = &identity
	a.mu.Unlock()

	a.postSystem(identity, i18n.MsgJoined, map[string]interface{}{"Name": name})
	a.logger.WithFields(logrus.Fields{
		"name":  name,
		"color": identity.Color,
	}).Info("Entered chat")
	return nil
}

// Exit announces departure and forgets the identity
func (a *ChatActions) Exit(ctx context.Context) error {
	a.mu.Lock()
	identity := a.identity
	a.identity = nil
	a.mu.Unlock()

	if identity == nil {
		return ErrNotEntered
	}
	a.rateLimiter.Reset(identity.Name)
	a.postSystem(*identity, i18n.MsgLeft, map[string]interface{}{"Name": identity.Name})
	a.logger.WithField("name", identity.Name).Info("Left chat")
	return nil
}

// Send posts text, or runs it as a slash command. A message shows up in
// the session right away and is reconciled once the store confirms it.
// When the store write fails the entry stays visible as a local record and
// the error is returned.
func (a *ChatActions) Send(ctx context.Context, text string) (*models.ChatRecord, error) {
	identity := a.Identity()
	if identity == nil {
		return nil, ErrNotEntered
	}

	// checked before sanitizing, which rewrites invalid UTF-8
	if err := a.security.ValidateInput(strings.TrimSpace(text)); err != nil {
		if errors.Is(err, middleware.ErrInputTooLong) {
			return nil, ErrMessageTooLong
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	text = strings.TrimSpace(a.security.SanitizeOutput(text))
	if text == "" {
		return nil, ErrEmptyMessage
	}

	if strings.HasPrefix(text, "/") {
		return nil, a.runCommand(ctx, *identity, text)
	}

	if !a.rateLimiter.Allow(identity.Name) {
		a.metrics.RecordRateLimitExceeded()
		a.notice(i18n.MsgRateLimitExceeded, nil)
		return nil, ErrRateLimited
	}

	record := a.svc.CreateOptimisticRecord(models.ChatRecord{
		Name:            identity.Name,
		Color:           identity.Color,
		Message:         text,
		Email:           identity.Email,
		OriginIP:        identity.IP,
		OriginUserAgent: identity.UserAgent,
	})
	a.session.AddOptimistic(record)
	a.svc.MergeOptimisticIntoCache(ctx, record)

	confirmed, err := a.svc.SaveOptimistic(ctx, record)
	if err != nil {
		a.metrics.RecordOptimisticSend("failed")
		a.logger.WithError(err).WithFields(logrus.Fields{
			"name":  identity.Name,
			"local": record.ID.String(),
		}).Warn("Failed to send message, keeping it locally")

		demoted := record
		demoted.IsOptimistic = false
		a.session.MergeChat(demoted)
		a.svc.MergeOptimisticIntoCache(ctx, demoted)
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	a.session.ResolveOptimistic(record.ID, confirmed)
	a.svc.ReplaceOptimisticInCache(ctx, record.ID, confirmed)
	a.metrics.RecordOptimisticSend("confirmed")
	return &confirmed, nil
}

func (a *ChatActions) runCommand(ctx context.Context, identity Identity, text string) error {
	fields := strings.Fields(text)
	command := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	args := fields[1:]

	a.logger.WithFields(logrus.Fields{
		"name":    identity.Name,
		"command": command,
	}).Debug("Running chat command")

	switch command {
	case "help":
		a.metrics.RecordCommandExecuted(command)
		a.notice(i18n.MsgHelp, nil)
		return nil
	case "who":
		a.metrics.RecordCommandExecuted(command)
		return a.handleWho()
	case "rank":
		a.metrics.RecordCommandExecuted(command)
		return a.handleRank()
	case "refresh":
		a.metrics.RecordCommandExecuted(command)
		return a.handleRefresh(ctx)
	case "clear":
		a.metrics.RecordCommandExecuted(command)
		return a.handleClear(ctx, identity)
	case "name":
		a.metrics.RecordCommandExecuted(command)
		return a.handleRename(identity, strings.Join(args, " "))
	default:
		a.notice(i18n.MsgUnknownCommand, map[string]interface{}{"Command": fields[0]})
		return nil
	}
}

func (a *ChatActions) handleWho() error {
	participants := stats.Participants(a.session.Log(), a.clock(), a.config.RecencyWindow)
	if len(participants) == 0 {
		a.notice(i18n.MsgWhoEmpty, nil)
		return nil
	}
	names := make([]string, len(participants))
	for i, p := range participants {
		names[i] = p.Name
	}
	a.notice(i18n.MsgWho, map[string]interface{}{"Names": strings.Join(names, ", ")})
	return nil
}

func (a *ChatActions) handleRank() error {
	ranking := stats.Ranking(a.session.Log())
	if len(ranking) == 0 {
		a.notice(i18n.MsgRankEmpty, nil)
		return nil
	}
	if len(ranking) > rankLimit {
		ranking = ranking[:rankLimit]
	}

	lines := []string{a.text(i18n.MsgRank, nil)}
	for i, entry := range ranking {
		lines = append(lines, a.text(i18n.MsgRankEntry, map[string]interface{}{
			"Position": i + 1,
			"Name":     entry.Name,
			"Count":    entry.Count,
		}))
	}
	a.noticeText(strings.Join(lines, "\n"))
	return nil
}

func (a *ChatActions) handleRefresh(ctx context.Context) error {
	a.session.Refresh(ctx)
	if err := a.session.LastError(); err != nil {
		return err
	}
	a.notice(i18n.MsgRefreshed, nil)
	return nil
}

func (a *ChatActions) handleClear(ctx context.Context, identity Identity) error {
	if err := a.session.Clear(ctx); err != nil {
		return err
	}
	a.postSystem(identity, i18n.MsgCleared, map[string]interface{}{"Name": identity.Name})
	return nil
}

func (a *ChatActions) handleRename(identity Identity, newName string) error {
	name, err := a.validateName(newName)
	if err != nil {
		return err
	}
	if name == identity.Name {
		return nil
	}

	a.mu.Lock()
	if a.identity != nil {
		a.identity.Name = name
	}
	a.mu.Unlock()
	a.rateLimiter.Reset(identity.Name)

	a.postSystem(identity, i18n.MsgRenamed, map[string]interface{}{
		"Old": identity.Name,
		"New": name,
	})
	return nil
}

func (a *ChatActions) validateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrEmptyName
	}
	if a.config.MaxNameLength > 0 && utf8.RuneCountInString(name) > a.config.MaxNameLength {
		return "", ErrNameTooLong
	}
	return name, nil
}

// postSystem writes a system message to the store without waiting
func (a *ChatActions) postSystem(identity Identity, messageID string, data map[string]interface{}) {
	a.svc.SaveFireAndForget(models.ChatRecord{
		Name:            systemName,
		Color:           systemColor,
		Message:         a.text(messageID, data),
		IsSystem:        true,
		Email:           identity.Email,
		OriginIP:        identity.IP,
		OriginUserAgent: identity.UserAgent,
	})
}

// notice shows a system message in the local session only
func (a *ChatActions) notice(messageID string, data map[string]interface{}) {
	a.noticeText(a.text(messageID, data))
}

func (a *ChatActions) noticeText(text string) {
	record := a.svc.CreateOptimisticRecord(models.ChatRecord{
		Name:     systemName,
		Color:    systemColor,
		Message:  text,
		IsSystem: true,
	})
	record.IsOptimistic = false
	a.session.MergeChat(record)
}

func (a *ChatActions) text(messageID string, data map[string]interface{}) string {
	return a.localizer.Get(a.config.Language, messageID, data)
}

// ColorFor picks a stable palette color for a name
func ColorFor(name string) string {
	h := fnv.New32a()
	h.Write([]byte(strings.ToLower(name)))
	return palette[h.Sum32()%uint32(len(palette))]
}

// IsValidationError reports whether err was caused by user input
func IsValidationError(err error) bool {
	return errors.Is(err, ErrEmptyName) ||
		errors.Is(err, ErrNameTooLong) ||
		errors.Is(err, ErrEmptyMessage) ||
		errors.Is(err, ErrMessageTooLong) ||
		errors.Is(err, ErrInvalidMessage)
}
