// Package hashchain реализует tamper-evident цепочку хэшей поверх событий аудита.
//
// Каждое событие несет SHA-256 дайджест от канонического представления своих
// неизменяемых полей идентичности плюс хэша предыдущего события:
//
//	hash = SHA-256(id | ts_nano | type | action | actor_id | resource_id | prev_hash)
//
// Изменение любого сохраненного события ломает цепочку начиная с этой точки:
// verify находит HashMismatch на самом событии и ChainBreak на следующем.
package hashchain

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/xela07ax/auditchain-core/internal/domain"
)

// GenesisHash — prev_hash самого первого события в цепочке
const GenesisHash = ""

// ComputeHash считает хэш события относительно prevHash.
// Вход — фиксированная каноническая конкатенация полей идентичности.
// Payload (before/after) в хэш сознательно не входит: идентичность события
// определяется тем, КТО, ЧТО и НАД ЧЕМ сделал, а не снимками данных.
func ComputeHash(e *domain.AuditEvent, prevHash string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%s|%s|%s|%s|%s",
		e.ID, e.Timestamp.UnixNano(),
		e.Type, e.Action, e.ActorID, e.ResourceID,
		prevHash)
	return hex.EncodeToString(h.Sum(nil))
}

// Equal сравнивает два хэша за константное время (timing side channel)
func Equal(a, b string) bool {
	// ConstantTimeCompare требует равной длины; разная длина сама по себе
	// не утечка — хэши фиксированного размера
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Cursor — единственный владелец глобального состояния "последний хэш".
// Вся горячая секция — чистая память без I/O: продьюсеры конкурируют
// только за короткий Lock, никогда за латентность хранилища.
// Наружу изменяемое значение не отдается — только атомарный GetAndAdvance.
type Cursor struct {
	mu       sync.Mutex
	lastHash string
	seq      uint64
}

// NewCursor создает курсор, продолжающий цепочку с известной точки.
// Для пустого хранилища: NewCursor(GenesisHash, 0).
func NewCursor(lastHash string, lastSeq uint64) *Cursor {
	return &Cursor{lastHash: lastHash, seq: lastSeq}
}

// GetAndAdvance назначает событию позицию в цепочке: sequence, prev_hash
// и hash проставляются ровно один раз, под одним коротким локом.
func (c *Cursor) GetAndAdvance(e *domain.AuditEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	e.Sequence = c.seq
	e.PrevHash = c.lastHash
	e.Hash = ComputeHash(e, c.lastHash)
	c.lastHash = e.Hash
}

// TryRewind откатывает вершину на позицию (toHash, toSeq) — но только если
// цепочка все еще стоит на fromSeq. Если кто-то успел назначить позиции
// дальше, откат невозможен: выданные sequence уже ссылаются на fromSeq,
// и вместо отката в цепочке остается дыра.
func (c *Cursor) TryRewind(fromSeq, toSeq uint64, toHash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seq != fromSeq {
		return false
	}
	c.seq = toSeq
	c.lastHash = toHash
	return true
}

// Position возвращает текущую вершину цепочки (для диагностики и чекпоинтов)
func (c *Cursor) Position() (hash string, seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHash, c.seq
}
