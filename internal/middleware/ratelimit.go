package middleware

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/realtime-chat-go/internal/config"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Input validation errors
var (
	ErrInvalidEncoding = errors.New("message is not valid UTF-8")
	ErrInputTooLong    = errors.New("message too long")
)

// RateLimiter interface for rate limiting
type RateLimiter interface {
	Allow(sender string) bool
	Reset(sender string)
}

// SenderRateLimiter implements per-sender rate limiting
type SenderRateLimiter struct {
	enabled         bool
	limiters        map[string]*rate.Limiter
	mu              sync.RWMutex
	perMinute       int
	burst           int
	logger          *logrus.Logger
	cleanupInterval time.Duration
	maxTracked      int
	stop            chan struct{}
	stopOnce        sync.Once
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(cfg *config.RateLimitConfig, logger *logrus.Logger) *SenderRateLimiter {
	if !cfg.Enabled {
		return &SenderRateLimiter{enabled: false}
	}

	rl := &SenderRateLimiter{
		enabled:         true,
		limiters:        make(map[string]*rate.Limiter),
		perMinute:       cfg.MessagesPerMinute,
		burst:           cfg.Burst,
		logger:          logger,
		cleanupInterval: 1 * time.Hour,
		maxTracked:      10000,
		stop:            make(chan struct{}),
	}

	go rl.cleanup()

	return rl
}

// Allow checks if a sender is allowed to post another message
func (r *SenderRateLimiter) Allow(sender string) bool {
	if !r.enabled {
		return true
	}

	allowed := r.getLimiter(sender).Allow()
	if !allowed {
		r.logger.WithFields(logrus.Fields{
			"sender": sender,
		}).Warn("Rate limit exceeded")
	}

	return allowed
}

// Reset resets the rate limiter for a sender
func (r *SenderRateLimiter) Reset(sender string) {
	if !r.enabled {
		return
	}

	r.mu.Lock()
	delete(r.limiters, sender)
	r.mu.Unlock()
}

// Close stops the cleanup goroutine
func (r *SenderRateLimiter) Close() {
	if !r.enabled {
		return
	}
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *SenderRateLimiter) getLimiter(sender string) *rate.Limiter {
	r.mu.RLock()
	limiter, exists := r.limiters[sender]
	r.mu.RUnlock()

	if exists {
		return limiter
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, exists := r.limiters[sender]; exists {
		return limiter
	}

	perSecond := float64(r.perMinute) / 60.0
	limiter = rate.NewLimiter(rate.Limit(perSecond), r.burst)
	r.limiters[sender] = limiter

	return limiter
}

func (r *SenderRateLimiter) cleanup() {
	ticker := time.NewTicker(r.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.mu.Lock()
			if len(r.limiters) > r.maxTracked {
				r.logger.Warn("Rate limiter map size exceeded threshold, clearing")
				r.limiters = make(map[string]*rate.Limiter)
			}
			r.mu.Unlock()
		}
	}
}

// SecurityMiddleware provides input checks for outgoing chat text
type SecurityMiddleware struct {
	maxMessageLength int
	logger           *logrus.Logger
}

// NewSecurityMiddleware creates security middleware
func NewSecurityMiddleware(maxMessageLength int, logger *logrus.Logger) *SecurityMiddleware {
	return &SecurityMiddleware{
		maxMessageLength: maxMessageLength,
		logger:           logger,
	}
}

// ValidateInput rejects messages that are not valid UTF-8 or exceed the
// configured length in runes.
func (s *SecurityMiddleware) ValidateInput(text string) error {
	if !utf8.ValidString(text) {
		return ErrInvalidEncoding
	}
	if n := utf8.RuneCountInString(text); s.maxMessageLength > 0 && n > s.maxMessageLength {
		return fmt.Errorf("%w: %d characters", ErrInputTooLong, n)
	}
	return nil
}

// SanitizeOutput strips control characters other than newlines and tabs.
func (s *SecurityMiddleware) SanitizeOutput(text string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, text)
}
