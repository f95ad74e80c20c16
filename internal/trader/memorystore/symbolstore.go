package memorystore

import (
	"sort"
	"strings"
	"sync"
)

// MemorySymbolStore is the set of symbols the session subscribes to.
type MemorySymbolStore struct {
	mu      sync.RWMutex
	symbols map[string]struct{}
}

func NewSymbolStore(symbols ...string) *MemorySymbolStore {
	s := &MemorySymbolStore{
		symbols: make(map[string]struct{}, len(symbols)),
	}
	for _, sym := range symbols {
		s.Add(sym)
	}
	return s
}

// Add normalizes symbol to upper case and stores it. Empty symbols are ignored.
func (s *MemorySymbolStore) Add(symbol string) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.symbols[symbol] = struct{}{}
}

// StartWorker drains ch into the store. The returned channel closes once ch is closed.
func (s *MemorySymbolStore) StartWorker(ch <-chan string) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for symbol := range ch {
			s.Add(symbol)
		}
	}()
	return done
}

// Contains is an exact, case-sensitive lookup; stream symbols are upper case.
func (s *MemorySymbolStore) Contains(symbol string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.symbols[symbol]
	return ok
}

// GetAll returns the symbols sorted.
func (s *MemorySymbolStore) GetAll() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		out = append(out, sym)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (s *MemorySymbolStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.symbols)
}
