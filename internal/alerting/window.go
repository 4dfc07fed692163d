package alerting

import (
	"container/list"
	"sync"
	"time"
)

// SlidingCounter — скользящий оконный счетчик с ключом по группе
// (GROUP BY sourceAddress и т.п.).
//
// Кардинальность ограничена capped LRU: когда групп становится больше
// maxGroups, вытесняется дольше всех не наблюдавшаяся. Верхняя граница
// памяти фиксирована даже под адресным спреем атакующего.
//
// Счетчик — одно из трех независимо охраняемых разделяемых состояний
// конвейера; его лок не пересекается ни с курсором цепочки, ни с буфером.
type SlidingCounter struct {
	mu        sync.Mutex
	window    time.Duration
	maxGroups int
	groups    map[string]*counterGroup
	lru       *list.List // front — самая старая по последнему наблюдению
}

type counterGroup struct {
	key   string
	times []time.Time // наблюдения в пределах окна, по возрастанию
	elem  *list.Element
}

const defaultMaxGroups = 10000

func NewSlidingCounter(window time.Duration, maxGroups int) *SlidingCounter {
	if maxGroups <= 0 {
		maxGroups = defaultMaxGroups
	}
	return &SlidingCounter{
		window:    window,
		maxGroups: maxGroups,
		groups:    make(map[string]*counterGroup),
		lru:       list.New(),
	}
}

// Observe фиксирует наблюдение для группы и возвращает количество
// наблюдений в окне, ВКЛЮЧАЯ текущее.
func (c *SlidingCounter) Observe(key string, now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.groups[key]
	if !ok {
		g = &counterGroup{key: key}
		g.elem = c.lru.PushBack(g)
		c.groups[key] = g
		c.evictOverflow()
	} else {
		c.lru.MoveToBack(g.elem)
	}

	// Выкидываем наблюдения, выпавшие из окна
	cutoff := now.Add(-c.window)
	idx := 0
	for idx < len(g.times) && !g.times[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		g.times = append(g.times[:0], g.times[idx:]...)
	}

	g.times = append(g.times, now)
	return len(g.times)
}

// Count отдает текущее значение без наблюдения (для диагностики)
func (c *SlidingCounter) Count(key string, now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.groups[key]
	if !ok {
		return 0
	}
	cutoff := now.Add(-c.window)
	n := 0
	for _, t := range g.times {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

// Groups — текущая кардинальность (для метрик и тестов)
func (c *SlidingCounter) Groups() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.groups)
}

func (c *SlidingCounter) evictOverflow() {
	for len(c.groups) > c.maxGroups {
		front := c.lru.Front()
		if front == nil {
			return
		}
		g := front.Value.(*counterGroup)
		c.lru.Remove(front)
		delete(c.groups, g.key)
	}
}
