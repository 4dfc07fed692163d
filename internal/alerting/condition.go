package alerting

/*
Файл condition.go — компилятор условий правил.

Текст условия парсится РОВНО ОДИН РАЗ при регистрации правила в дерево
выражений (Comparison, Contains, WindowedCount, And, Or). В рантайме на
каждое событие выполняется только обход дерева — никакого повторного
разбора строк на горячем пути.

Грамматика сознательно минимальная:

	clause   := field '=' "value"
	          | field CONTAINS "substring"
	          | COUNT() '>' n WITHIN <dur> GROUP BY field
	expr     := clause { (AND | OR) clause }

Один коннектор на выражение: смешивание AND и OR (и скобки) не
поддерживается — приоритеты не о чем спорить, если их нет.
*/

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xela07ax/auditchain-core/internal/domain"
)

// Фиксированный набор полей, доступных условиям
var fieldGetters = map[string]func(*domain.AuditEvent) string{
	"type":           func(e *domain.AuditEvent) string { return e.Type },
	"category":       func(e *domain.AuditEvent) string { return string(e.Category) },
	"severity":       func(e *domain.AuditEvent) string { return string(e.Severity) },
	"outcome":        func(e *domain.AuditEvent) string { return string(e.Outcome) },
	"action":         func(e *domain.AuditEvent) string { return e.Action },
	"actorid":        func(e *domain.AuditEvent) string { return e.ActorID },
	"actor_id":       func(e *domain.AuditEvent) string { return e.ActorID },
	"sourceaddress":  func(e *domain.AuditEvent) string { return e.SourceIP },
	"source_address": func(e *domain.AuditEvent) string { return e.SourceIP },
}

// EvalInput — вход одного вычисления
type EvalInput struct {
	Event *domain.AuditEvent
	Now   time.Time
}

// Expr — узел скомпилированного дерева условия
type Expr interface {
	Eval(in EvalInput) bool
}

// Comparison — точное сравнение поля
type Comparison struct {
	Field string
	get   func(*domain.AuditEvent) string
	Value string
}

func (c *Comparison) Eval(in EvalInput) bool {
	return c.get(in.Event) == c.Value
}

// Contains — вхождение подстроки (case-insensitive)
type Contains struct {
	Field string
	get   func(*domain.AuditEvent) string
	Value string
}

func (c *Contains) Eval(in EvalInput) bool {
	return strings.Contains(strings.ToLower(c.get(in.Event)), strings.ToLower(c.Value))
}

// WindowedCount — скользящий счетчик по группе: COUNT() > n WITHIN w GROUP BY f.
// Счетчик наблюдает событие и отвечает, превышен ли порог С УЧЕТОМ текущего
// события: порог 5 означает срабатывание на шестом событии в окне.
type WindowedCount struct {
	Threshold int
	Window    time.Duration
	GroupBy   string
	get       func(*domain.AuditEvent) string
	counter   *SlidingCounter
}

func (w *WindowedCount) Eval(in EvalInput) bool {
	key := w.get(in.Event)
	return w.counter.Observe(key, in.Now) > w.Threshold
}

// And — конъюнкция. Оконные узлы компилятор ставит в хвост, чтобы счетчик
// наблюдал только события, прошедшие остальные фильтры.
type And struct {
	Ops []Expr
}

func (a *And) Eval(in EvalInput) bool {
	for _, op := range a.Ops {
		if !op.Eval(in) {
			return false
		}
	}
	return true
}

// Or — дизъюнкция без short-circuit по оконным узлам: счетчик должен
// наблюдать каждое событие, дошедшее до выражения
type Or struct {
	Ops []Expr
}

func (o *Or) Eval(in EvalInput) bool {
	matched := false
	for _, op := range o.Ops {
		if op.Eval(in) {
			matched = true
		}
	}
	return matched
}

// Compile разбирает текст условия в дерево. Любая синтаксическая проблема —
// ValidationError, отклоняется синхронно при регистрации правила.
func Compile(condition string, maxGroups int) (Expr, error) {
	tokens, err := tokenize(condition)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, &domain.ValidationError{Field: "condition", Reason: "must not be empty"}
	}

	// Режем на клаузы по коннекторам, следя за их однородностью
	var clauses [][]token
	var connector string
	current := []token{}

	for _, tok := range tokens {
		up := strings.ToUpper(tok.text)
		if !tok.quoted && (up == "AND" || up == "OR") {
			if len(current) == 0 {
				return nil, &domain.ValidationError{Field: "condition", Reason: "connector without left operand"}
			}
			if connector == "" {
				connector = up
			} else if connector != up {
				return nil, &domain.ValidationError{Field: "condition",
					Reason: "mixing AND and OR in one expression is not supported"}
			}
			clauses = append(clauses, current)
			current = []token{}
			continue
		}
		current = append(current, tok)
	}
	if len(current) == 0 {
		return nil, &domain.ValidationError{Field: "condition", Reason: "connector without right operand"}
	}
	clauses = append(clauses, current)

	var plain, windowed []Expr
	for _, cl := range clauses {
		expr, err := compileClause(cl, maxGroups)
		if err != nil {
			return nil, err
		}
		if _, isWin := expr.(*WindowedCount); isWin {
			windowed = append(windowed, expr)
		} else {
			plain = append(plain, expr)
		}
	}

	// Оконные клаузы — в хвост (см. комментарий у And)
	ops := append(plain, windowed...)
	if len(ops) == 1 {
		return ops[0], nil
	}
	if connector == "OR" {
		return &Or{Ops: ops}, nil
	}
	return &And{Ops: ops}, nil
}

func compileClause(toks []token, maxGroups int) (Expr, error) {
	if len(toks) == 0 {
		return nil, &domain.ValidationError{Field: "condition", Reason: "empty clause"}
	}

	head := strings.ToUpper(toks[0].text)
	if head == "COUNT()" {
		return compileWindowedCount(toks, maxGroups)
	}

	// field op "value"
	if len(toks) != 3 {
		return nil, &domain.ValidationError{Field: "condition",
			Reason: fmt.Sprintf("expected <field> <op> <value>, got %d token(s)", len(toks))}
	}

	get, err := resolveField(toks[0].text)
	if err != nil {
		return nil, err
	}
	if !toks[2].quoted {
		return nil, &domain.ValidationError{Field: "condition",
			Reason: fmt.Sprintf("value %q must be quoted", toks[2].text)}
	}

	switch strings.ToUpper(toks[1].text) {
	case "=":
		return &Comparison{Field: toks[0].text, get: get, Value: toks[2].text}, nil
	case "CONTAINS":
		return &Contains{Field: toks[0].text, get: get, Value: toks[2].text}, nil
	default:
		return nil, &domain.ValidationError{Field: "condition",
			Reason: fmt.Sprintf("unsupported operator %q", toks[1].text)}
	}
}

// COUNT() > n WITHIN 5m GROUP BY field
func compileWindowedCount(toks []token, maxGroups int) (Expr, error) {
	if len(toks) != 8 ||
		toks[1].text != ">" ||
		strings.ToUpper(toks[3].text) != "WITHIN" ||
		strings.ToUpper(toks[5].text) != "GROUP" ||
		strings.ToUpper(toks[6].text) != "BY" {
		return nil, &domain.ValidationError{Field: "condition",
			Reason: "windowed clause must be COUNT() > n WITHIN <dur> GROUP BY <field>"}
	}

	threshold, err := strconv.Atoi(toks[2].text)
	if err != nil || threshold < 1 {
		return nil, &domain.ValidationError{Field: "condition",
			Reason: fmt.Sprintf("invalid threshold %q", toks[2].text)}
	}

	window, err := time.ParseDuration(toks[4].text)
	if err != nil || window <= 0 {
		return nil, &domain.ValidationError{Field: "condition",
			Reason: fmt.Sprintf("invalid window %q", toks[4].text)}
	}

	get, err := resolveField(toks[7].text)
	if err != nil {
		return nil, err
	}

	return &WindowedCount{
		Threshold: threshold,
		Window:    window,
		GroupBy:   toks[7].text,
		get:       get,
		counter:   NewSlidingCounter(window, maxGroups),
	}, nil
}

func resolveField(name string) (func(*domain.AuditEvent) string, error) {
	get, ok := fieldGetters[strings.ToLower(name)]
	if !ok {
		return nil, &domain.ValidationError{Field: "condition",
			Reason: fmt.Sprintf("unknown field %q", name)}
	}
	return get, nil
}

type token struct {
	text   string
	quoted bool
}

// tokenize режет условие на токены, сохраняя кавычечные строки целиком
func tokenize(s string) ([]token, error) {
	var tokens []token
	var buf strings.Builder
	inQuote := false

	flush := func(quoted bool) {
		if buf.Len() > 0 || quoted {
			tokens = append(tokens, token{text: buf.String(), quoted: quoted})
			buf.Reset()
		}
	}

	for _, r := range s {
		switch {
		case r == '"':
			if inQuote {
				flush(true)
				inQuote = false
			} else {
				flush(false)
				inQuote = true
			}
		case !inQuote && (r == ' ' || r == '\t' || r == '\n'):
			flush(false)
		default:
			buf.WriteRune(r)
		}
	}
	if inQuote {
		return nil, &domain.ValidationError{Field: "condition", Reason: "unterminated quoted string"}
	}
	flush(false)
	return tokens, nil
}
