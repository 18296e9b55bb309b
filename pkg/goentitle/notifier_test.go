package goentitle

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

type countingLogger struct {
	NoopLogger
	mu    sync.Mutex
	warns int
	errs  int
}

func (l *countingLogger) Warn(string, ...Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns++
}

func (l *countingLogger) Error(string, ...Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs++
}

func TestNotifier_DropsWhenFull(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	log := &countingLogger{}
	n := newNotifier(func(Transition) {
		calls.Add(1)
		<-release
	}, 1, log)

	n.notify(Transition{Principal: Individual("u1")})
	n.notify(Transition{Principal: Individual("u2")})
	close(release)
	n.wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, log.warns)
}

func TestNotifier_RecoversPanics(t *testing.T) {
	log := &countingLogger{}
	n := newNotifier(func(Transition) { panic("boom") }, 2, log)

	n.notify(Transition{Principal: Organization("org1")})
	n.wait()

	assert.Equal(t, 1, log.errs)
}

func TestNotifier_NilCallback(t *testing.T) {
	n := newNotifier(nil, 1, &NoopLogger{})
	n.notify(Transition{})
	n.wait()
}
