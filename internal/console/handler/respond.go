package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/xela07ax/auditchain-core/internal/domain"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

// writeError переводит доменные ошибки в HTTP-статусы.
// Тексты отдаем как есть: консоль — внутренний периметр для операторов ИБ.
func writeError(w http.ResponseWriter, err error) {
	var (
		verr *domain.ValidationError
		nerr *domain.NotFoundError
		terr *domain.TimeoutError
		werr *domain.WORMError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": verr.Error()})
	case errors.As(err, &nerr):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": nerr.Error()})
	case errors.As(err, &terr):
		writeJSON(w, http.StatusGatewayTimeout, map[string]string{"error": terr.Error()})
	case errors.As(err, &werr):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": werr.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}
