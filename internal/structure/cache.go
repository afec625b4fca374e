package structure

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Cache держит собранные структуры в памяти процесса, по одной на версию.
// Сборка из jsonb-документа не бесплатна, а одна и та же версия обслуживает
// тысячи сессий, поэтому собираем один раз и раздаем указатель.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*Structure
}

// NewCache создает пустой кеш структур.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]*Structure)}
}

func cacheKey(storyID uuid.UUID, version int) string {
	return fmt.Sprintf("%s:%d", storyID, version)
}

// Get возвращает собранную структуру версии, если она уже в кеше.
func (c *Cache) Get(storyID uuid.UUID, version int) (*Structure, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.entries[cacheKey(storyID, version)]
	return s, ok
}

// Put кладет собранную структуру в кеш.
func (c *Cache) Put(s *Structure) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(s.storyID, s.version)] = s
}

// Drop удаляет версию из кеша (например, после отклонения черновика).
func (c *Cache) Drop(storyID uuid.UUID, version int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cacheKey(storyID, version))
}
