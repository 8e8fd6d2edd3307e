// webhook/handler.go
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/untibullet/pr-relay/internal/engine"
	"github.com/untibullet/pr-relay/internal/models"
	"go.uber.org/zap"
)

const signatureHeader = "X-Hub-Signature-256"
const eventTypeHeader = "X-Github-Event"

// Handler — входная граница: проверка подписи, разбор payload в
// каноничную модель и передача события в очередь движка. Ответ источнику
// не ждет реконсиляции: событие подтверждается сразу (202), движок
// обрабатывает асинхронно.
type Handler struct {
	secret []byte
	owner  string
	repo   string
	engine *engine.Engine
	logger *zap.Logger
	events chan models.Event
}

// New создает обработчик webhook
func New(secret, owner, repo string, eng *engine.Engine, logger *zap.Logger) *Handler {
	return &Handler{
		secret: []byte(secret),
		owner:  owner,
		repo:   repo,
		engine: eng,
		logger: logger,
		events: make(chan models.Event, 256),
	}
}

// RegisterRoutes регистрирует маршруты webhook
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/webhook", h.Handle)
}

// Run — единственный потребитель очереди событий. Ошибки движка
// логируются: ретраев у ядра нет, механизм восстановления — повторная
// доставка со стороны источника.
func (h *Handler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-h.events:
			if err := h.engine.HandleEvent(ctx, event); err != nil {
				h.logger.Error("Run: событие не обработано",
					zap.String("kind", event.Kind()),
					zap.Int("pr_number", event.Number()),
					zap.Error(err))
			}
		}
	}
}

// Handle принимает webhook источника
func (h *Handler) Handle(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		h.logger.Error("Handle: ошибка чтения тела запроса", zap.Error(err))
		return c.NoContent(http.StatusBadRequest)
	}

	if !h.verifySignature(c.Request().Header.Get(signatureHeader), body) {
		h.logger.Warn("Handle: неверная подпись webhook")
		return c.NoContent(http.StatusUnauthorized)
	}

	eventType := c.Request().Header.Get(eventTypeHeader)
	if eventType == "ping" {
		return c.NoContent(http.StatusOK)
	}

	event, err := ParseEvent(eventType, body)
	if err != nil {
		h.logger.Error("Handle: ошибка разбора payload",
			zap.String("event_type", eventType), zap.Error(err))
		return c.NoContent(http.StatusBadRequest)
	}
	if event == nil {
		// Неинтересный вид события: подтверждаем и забываем
		return c.NoContent(http.StatusOK)
	}

	if !h.matchesRepository(event.Info()) {
		h.logger.Info("Handle: событие чужого репозитория пропущено",
			zap.String("owner", event.Info().Owner),
			zap.String("repo", event.Info().Repo))
		return c.NoContent(http.StatusOK)
	}

	select {
	case h.events <- event:
		return c.NoContent(http.StatusAccepted)
	default:
		// Очередь переполнена; источник доставит событие повторно
		h.logger.Error("Handle: очередь событий переполнена",
			zap.Int("pr_number", event.Number()))
		return c.NoContent(http.StatusServiceUnavailable)
	}
}

// verifySignature проверяет HMAC-SHA256 подпись тела запроса
func (h *Handler) verifySignature(header string, body []byte) bool {
	if len(h.secret) == 0 {
		// Подпись не настроена — принимаем все (локальная отладка)
		return true
	}
	signature, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}

// matchesRepository фильтрует события по отслеживаемому репозиторию;
// пара репозиторий/канал у одного экземпляра ровно одна
func (h *Handler) matchesRepository(info models.PullRequestInfo) bool {
	if h.owner == "" && h.repo == "" {
		return true
	}
	return strings.EqualFold(info.Owner, h.owner) && strings.EqualFold(info.Repo, h.repo)
}
