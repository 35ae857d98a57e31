package chat

import (
	"strings"
	"sync"

	"betapp/internal/domain"
)

// feed is a set of change callbacks. The zero value is ready to use.
type feed struct {
	mu   sync.Mutex
	fns  map[int]func()
	next int
}

func (f *feed) subscribe(fn func()) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fns == nil {
		f.fns = make(map[int]func())
	}
	id := f.next
	f.next++
	f.fns[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.fns, id)
	}
}

func (f *feed) emit() {
	f.mu.Lock()
	fns := make([]func(), 0, len(f.fns))
	for _, fn := range f.fns {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// DisplayName is how a participant is shown: display name, then username,
// then the first eight characters of their id.
func DisplayName(p *domain.Profile, id domain.Identity) string {
	if p != nil {
		if p.DisplayName != nil && strings.TrimSpace(*p.DisplayName) != "" {
			return *p.DisplayName
		}
		if p.Username != nil && strings.TrimSpace(*p.Username) != "" {
			return *p.Username
		}
	}
	raw := string(id)
	if len(raw) > 8 {
		return raw[:8]
	}
	return raw
}
