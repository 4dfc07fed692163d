package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xela07ax/auditchain-core/internal/console/handler"
	"github.com/xela07ax/auditchain-core/internal/infra/auth"
)

// ConsoleServer — HTTP-периметр демона: прием событий + консоль оператора ИБ
type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger

	// Проверка RS256 токенов защищенного периметра
	authValidator auth.TokenValidator

	// Обработчики бизнес-доменов
	authHandler      *handler.AuthHandler      // /auth/token
	eventsHandler    *handler.EventsHandler    // /v1/events (ingest + поиск)
	rulesHandler     *handler.RulesHandler     // /v1/rules
	alertsHandler    *handler.AlertsHandler    // /v1/alerts
	retentionHandler *handler.RetentionHandler // /v1/retention
	dashHandler      *handler.DashboardHandler // /api/v1/dashboard
}

// NewConsoleServer инициализирует сервер со всеми зависимостями
func NewConsoleServer(
	logger *zap.Logger,
	validator auth.TokenValidator,
	authH *handler.AuthHandler,
	eventsH *handler.EventsHandler,
	rulesH *handler.RulesHandler,
	alertsH *handler.AlertsHandler,
	retentionH *handler.RetentionHandler,
	dashH *handler.DashboardHandler,
) *ConsoleServer {
	s := &ConsoleServer{
		router:           chi.NewRouter(),
		logger:           logger.Named("console-api"),
		authValidator:    validator,
		authHandler:      authH,
		eventsHandler:    eventsH,
		rulesHandler:     rulesH,
		alertsHandler:    alertsH,
		retentionHandler: retentionH,
		dashHandler:      dashH,
	}

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ ---
	r.Group(func(r chi.Router) {
		// Логин должен быть доступен без токена
		r.Post("/auth/token", s.authHandler.Login)

		// Healthcheck для мониторинга
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (Требуют RS256 токен) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authValidator, s.logger))

		// Dashboard & Stats
		r.Get("/api/v1/dashboard/stats", s.dashHandler.GetStats)

		// Журнал аудита: прием и поиск
		r.Route("/v1/events", func(r chi.Router) {
			r.Post("/", s.eventsHandler.Ingest)                   // fire-and-forget, 202
			r.Post("/confirmed", s.eventsHandler.IngestConfirmed) // durable до ответа
			r.Post("/batch", s.eventsHandler.IngestBatch)         // чанкованная пакетная запись
			r.Post("/verify", s.eventsHandler.Verify)             // проверка hash chain
			r.Get("/", s.eventsHandler.Query)                     // поиск по всем tier'ам
			r.Get("/{id}", s.eventsHandler.Get)
		})

		// Правила алертинга
		r.Route("/v1/rules", func(r chi.Router) {
			r.Get("/", s.rulesHandler.List)
			r.Post("/", s.rulesHandler.Create)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.rulesHandler.Get)
				r.Put("/", s.rulesHandler.Update)
				r.Delete("/", s.rulesHandler.Delete)
			})
		})

		// Алерты и их жизненный цикл
		r.Route("/v1/alerts", func(r chi.Router) {
			r.Get("/", s.alertsHandler.List)
			r.Post("/{id}/ack", s.alertsHandler.Acknowledge)
			r.Post("/{id}/resolve", s.alertsHandler.Resolve)
		})

		// Ретенция и архивы
		r.Route("/v1/retention", func(r chi.Router) {
			r.Get("/policy", s.retentionHandler.GetPolicy)
			r.Put("/policy", s.retentionHandler.SetPolicy)
			r.Post("/archive", s.retentionHandler.RunArchive)
			r.Get("/archives", s.retentionHandler.ListArchives)
			r.Delete("/archives/{id}", s.retentionHandler.DeleteArchive)
			r.Get("/stats", s.retentionHandler.Stats)
		})
	})
}

func (s *ConsoleServer) Handler() http.Handler {
	return s.router
}
