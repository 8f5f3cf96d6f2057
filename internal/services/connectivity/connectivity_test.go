package connectivity

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestSwitch_NotifiesOnTransitionsOnly(t *testing.T) {
	s := NewSwitch(true)
	var seen []bool
	unsubscribe := s.Subscribe(func(online bool) { seen = append(seen, online) })

	s.Set(true)
	s.Set(false)
	s.Set(false)
	s.Set(true)
	unsubscribe()
	unsubscribe()
	s.Set(false)

	assert.Equal(t, []bool{false, true}, seen)
	assert.False(t, s.IsOnline())
}

func TestProber_Check(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	var failing bool
	p := NewProber(func(ctx context.Context) error {
		if failing {
			return errors.New("unreachable")
		}
		return nil
	}, time.Minute, time.Second, true, logger)

	var seen []bool
	p.Subscribe(func(online bool) { seen = append(seen, online) })

	assert.True(t, p.Check(context.Background()))
	failing = true
	assert.False(t, p.Check(context.Background()))
	assert.False(t, p.IsOnline())
	assert.Equal(t, []bool{false}, seen)
}

func TestProber_RunStopsOnCancel(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	p := NewProber(func(ctx context.Context) error { return nil }, time.Millisecond, time.Second, false, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, p.IsOnline, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("prober did not stop")
	}
}
