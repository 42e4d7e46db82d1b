package events

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"github.com/agentforge/agentforge/internal/logger"
)

// MemoryBus is an in-process Bus with NATS-style wildcard subjects (`*`
// matches one token, `>` matches the remainder). Grounded on the teacher's
// internal/events/bus/memory.go.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[string][]*memorySub
	log  *logger.Logger
}

type memorySub struct {
	bus     *MemoryBus
	subject string
	pattern *regexp.Regexp
	handler Handler
}

func (s *memorySub) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	list := s.bus.subs[s.subject]
	for i, sub := range list {
		if sub == s {
			s.bus.subs[s.subject] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

// NewMemoryBus constructs an in-process Bus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	return &MemoryBus{subs: make(map[string][]*memorySub), log: log}
}

func (b *MemoryBus) Subscribe(subject string, handler Handler) Subscription {
	sub := &memorySub{bus: b, subject: subject, pattern: compileSubjectPattern(subject), handler: handler}
	b.mu.Lock()
	b.subs[subject] = append(b.subs[subject], sub)
	b.mu.Unlock()
	return sub
}

func (b *MemoryBus) Publish(ctx context.Context, subject string, ev *Event) {
	b.mu.RLock()
	var matched []*memorySub
	for _, list := range b.subs {
		for _, sub := range list {
			if subjectMatches(subject, sub.subject, sub.pattern) {
				matched = append(matched, sub)
			}
		}
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		func(h Handler) {
			defer func() {
				if r := recover(); r != nil && b.log != nil {
					b.log.Error("event handler panicked")
				}
			}()
			h(ctx, ev)
		}(sub.handler)
	}
}

func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string][]*memorySub)
}

func subjectMatches(subject, pattern string, regex *regexp.Regexp) bool {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return subject == pattern
	}
	if regex == nil {
		return false
	}
	return regex.MatchString(subject)
}

func compileSubjectPattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return nil
	}
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `>`, `.+`)
	re, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return nil
	}
	return re
}
