package handler

import (
	"fmt"
	"time"

	"github.com/xela07ax/auditchain-core/internal/domain"
	"github.com/xela07ax/auditchain-core/internal/hashchain"
)

// validChain строит корректную hash-цепочку из n событий
func validChain(n int) []domain.AuditEvent {
	cursor := hashchain.NewCursor("", 0)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	out := make([]domain.AuditEvent, n)
	for i := 0; i < n; i++ {
		e := domain.AuditEvent{
			ID:        fmt.Sprintf("ev-%d", i+1),
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Type:      "Login",
			Action:    "login",
			ActorID:   "user-1",
		}
		cursor.GetAndAdvance(&e)
		out[i] = e
	}
	return out
}
