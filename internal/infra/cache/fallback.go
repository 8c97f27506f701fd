package cache

import (
	"slices"
	"sync"
	"time"
)

type fallbackEntry struct {
	value     []byte
	expiresAt time.Time
}

// fallbackStore is a bounded FIFO map with lazy TTL expiry.
type fallbackStore struct {
	mu    sync.Mutex
	items map[string]fallbackEntry
	order []string
	max   int
	now   func() time.Time
}

func newFallbackStore(max int, now func() time.Time) *fallbackStore {
	if max <= 0 {
		max = 1000
	}
	return &fallbackStore{
		items: make(map[string]fallbackEntry, max),
		max:   max,
		now:   now,
	}
}

func (f *fallbackStore) get(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.items[key]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && !f.now().Before(e.expiresAt) {
		f.removeLocked(key)
		return nil, false
	}
	return e.value, true
}

func (f *fallbackStore) set(key string, value []byte, ttl time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var exp time.Time
	if ttl > 0 {
		exp = f.now().Add(ttl)
	}
	if _, ok := f.items[key]; !ok {
		f.order = append(f.order, key)
	}
	f.items[key] = fallbackEntry{value: value, expiresAt: exp}

	for len(f.order) > f.max {
		oldest := f.order[0]
		f.order = f.order[1:]
		delete(f.items, oldest)
	}
}

func (f *fallbackStore) del(keys ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		f.removeLocked(k)
	}
}

// deletePattern removes keys matching a Redis glob pattern.
func (f *fallbackStore) deletePattern(pattern string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, k := range slices.Clone(f.order) {
		if globMatch(pattern, k) {
			f.removeLocked(k)
			n++
		}
	}
	return n
}

func (f *fallbackStore) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

func (f *fallbackStore) removeLocked(key string) {
	if _, ok := f.items[key]; !ok {
		return
	}
	delete(f.items, key)
	if i := slices.Index(f.order, key); i >= 0 {
		f.order = slices.Delete(f.order, i, i+1)
	}
}

// globMatch reports whether key matches pattern with Redis KEYS/SCAN
// semantics: * and ? match any byte including '/', [...] is a class with
// optional ^ negation and a-z ranges, and \ escapes the next byte. An
// unterminated class matches '[' literally.
func globMatch(pattern, key string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case '*':
			for len(pattern) > 1 && pattern[1] == '*' {
				pattern = pattern[1:]
			}
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if globMatch(pattern[1:], key[i:]) {
					return true
				}
			}
			return false
		case '?':
			if len(key) == 0 {
				return false
			}
			pattern, key = pattern[1:], key[1:]
			continue
		case '[':
			if len(key) == 0 {
				return false
			}
			rest, ok, valid := matchClass(pattern[1:], key[0])
			if valid {
				if !ok {
					return false
				}
				pattern, key = rest, key[1:]
				continue
			}
		case '\\':
			if len(pattern) > 1 {
				pattern = pattern[1:]
			}
		}
		if len(key) == 0 || key[0] != pattern[0] {
			return false
		}
		pattern, key = pattern[1:], key[1:]
	}
	return len(key) == 0
}

// matchClass matches c against the class body that follows '['. It returns
// the pattern after the closing ']' and false for valid when there is none.
func matchClass(class string, c byte) (rest string, ok, valid bool) {
	negate := false
	if len(class) > 0 && class[0] == '^' {
		negate, class = true, class[1:]
	}
	for i := 0; i < len(class); i++ {
		switch {
		case class[i] == ']':
			return class[i+1:], ok != negate, true
		case class[i] == '\\' && i+1 < len(class):
			i++
			ok = ok || class[i] == c
		case i+2 < len(class) && class[i+1] == '-' && class[i+2] != ']':
			lo, hi := class[i], class[i+2]
			if lo > hi {
				lo, hi = hi, lo
			}
			ok = ok || (c >= lo && c <= hi)
			i += 2
		default:
			ok = ok || class[i] == c
		}
	}
	return "", false, false
}
