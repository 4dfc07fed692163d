package hashchain

import (
	"context"
	"fmt"

	"github.com/xela07ax/auditchain-core/internal/domain"
)

// ViolationKind Классификация найденного расхождения
type ViolationKind string

const (
	// HashMismatch пересчитанный хэш не совпал с сохраненным — событие изменено
	HashMismatch ViolationKind = "HASH_MISMATCH"
	// ChainBreak сохраненный prev_hash не совпал с (пересчитанным) хэшем предыдущего события
	ChainBreak ViolationKind = "CHAIN_BREAK"
	// MissingEvent разрыв в sequence — событие удалено
	MissingEvent ViolationKind = "MISSING_EVENT"
	// DuplicateEvent повторный id в последовательности
	DuplicateEvent ViolationKind = "DUPLICATE_EVENT"
	// OutOfOrder timestamp регрессирует относительно sequence
	OutOfOrder ViolationKind = "OUT_OF_ORDER"
)

type Violation struct {
	Kind     ViolationKind `json:"kind"`
	Sequence uint64        `json:"sequence"`
	EventID  string        `json:"event_id"`
	Detail   string        `json:"detail,omitempty"`
}

type VerifyResult struct {
	Valid      bool        `json:"valid"`
	Checked    int         `json:"checked"`
	Violations []Violation `json:"violations,omitempty"`
}

// ChainBreaks считает только нарушения связности (для отчетов)
func (r *VerifyResult) ChainBreaks() int {
	n := 0
	for _, v := range r.Violations {
		if v.Kind == ChainBreak {
			n++
		}
	}
	return n
}

// IntegrityError — результат верификации как ошибка. Нарушение никогда
// не "чинится" автоматически — только репортится.
type IntegrityError struct {
	Result VerifyResult
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation: %d problem(s) in %d event(s)",
		len(e.Result.Violations), e.Result.Checked)
}

// VerifyChain проходит упорядоченную по sequence последовательность за O(n)
// и классифицирует каждое расхождение. Первый элемент считается якорем:
// его prev_hash не с чем сверять, проверяется только собственный хэш.
//
// ChainBreak определяется против ПЕРЕСЧИТАННОГО хэша предыдущего события:
// если изменили E2, то E2 дает HashMismatch, а E3 — ChainBreak, даже если
// сохраненные hash-поля формально согласованы между собой.
func VerifyChain(events []domain.AuditEvent) VerifyResult {
	res := VerifyResult{Valid: true, Checked: len(events)}
	if len(events) == 0 {
		return res
	}

	seen := make(map[string]struct{}, len(events))
	var prevRecomputed string
	var prev *domain.AuditEvent

	for i := range events {
		e := &events[i]

		if _, dup := seen[e.ID]; dup {
			res.add(DuplicateEvent, e, "event id repeats earlier entry")
		}
		seen[e.ID] = struct{}{}

		recomputed := ComputeHash(e, e.PrevHash)
		if !Equal(recomputed, e.Hash) {
			res.add(HashMismatch, e, "recomputed hash differs from stored hash")
		}

		if prev != nil {
			if e.Sequence != prev.Sequence+1 {
				res.add(MissingEvent, e, fmt.Sprintf("sequence gap: %d after %d", e.Sequence, prev.Sequence))
			}
			if e.Timestamp.Before(prev.Timestamp) {
				res.add(OutOfOrder, e, "timestamp regresses relative to sequence")
			}
			if !Equal(e.PrevHash, prevRecomputed) {
				res.add(ChainBreak, e, "prev_hash does not match prior event")
			}
		}

		prevRecomputed = recomputed
		prev = e
	}

	return res
}

func (r *VerifyResult) add(kind ViolationKind, e *domain.AuditEvent, detail string) {
	r.Valid = false
	r.Violations = append(r.Violations, Violation{
		Kind:     kind,
		Sequence: e.Sequence,
		EventID:  e.ID,
		Detail:   detail,
	})
}

// ChainSource — источник событий для верификации больших диапазонов
type ChainSource interface {
	// FetchRange отдает события с sequence из [from, to] по возрастанию
	FetchRange(ctx context.Context, from, to uint64) ([]domain.AuditEvent, error)
}

// VerifyRange верифицирует диапазон ограниченными батчами, чтобы не держать
// миллионы событий в памяти. Связность проверяется и на стыках батчей:
// последнее событие предыдущего батча подклеивается к началу следующего.
func VerifyRange(ctx context.Context, src ChainSource, from, to uint64, batchSize int) (VerifyResult, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}

	total := VerifyResult{Valid: true}
	var carry []domain.AuditEvent // последний элемент предыдущего батча

	for lo := from; lo <= to; lo += uint64(batchSize) {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		hi := lo + uint64(batchSize) - 1
		if hi > to {
			hi = to
		}

		batch, err := src.FetchRange(ctx, lo, hi)
		if err != nil {
			return total, &domain.StoreError{Op: "verify.fetch_range", Chunk: -1, Cause: err}
		}

		window := append(carry, batch...)
		res := VerifyChain(window)

		// Нарушения по элементу-переноске уже учтены в прошлой итерации
		for _, v := range res.Violations {
			if len(carry) > 0 && v.Sequence == carry[0].Sequence {
				continue
			}
			total.Violations = append(total.Violations, v)
		}
		total.Checked += len(batch)

		if len(batch) > 0 {
			carry = []domain.AuditEvent{batch[len(batch)-1]}
		}
	}

	total.Valid = len(total.Violations) == 0
	return total, nil
}
