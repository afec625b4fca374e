package tracker

import (
	"sync"

	"github.com/google/uuid"
)

// sessionLocks выдает мьютекс на ключ сессии: цикл загрузка-изменение-запись
// одной сессии никогда не выполняется двумя горутинами одновременно.
// Записи считают держателей и удаляются на последнем освобождении, чтобы
// карта не росла вместе с историей сессий.
type sessionLocks struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{entries: make(map[uuid.UUID]*lockEntry)}
}

// Acquire блокирует сессию и возвращает функцию освобождения.
func (s *sessionLocks) Acquire(sessionID uuid.UUID) func() {
	s.mu.Lock()
	entry, ok := s.entries[sessionID]
	if !ok {
		entry = &lockEntry{}
		s.entries[sessionID] = entry
	}
	entry.refs++
	s.mu.Unlock()

	entry.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			entry.mu.Unlock()

			s.mu.Lock()
			entry.refs--
			if entry.refs == 0 {
				delete(s.entries, sessionID)
			}
			s.mu.Unlock()
		})
	}
}
