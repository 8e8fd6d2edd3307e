// engine/engine.go
package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/untibullet/pr-relay/internal/chat"
	"github.com/untibullet/pr-relay/internal/identity"
	"github.com/untibullet/pr-relay/internal/models"
	"github.com/untibullet/pr-relay/internal/planner"
	"github.com/untibullet/pr-relay/internal/render"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	ErrCreationTimeout = errors.New("timed out waiting for concurrent PR creation")
	ErrMissingIdentity = errors.New("event payload lacks identity data for materialization")
)

// defaultCreateWait ограничивает ожидание конкурентного создания PR:
// ожидание обязано завершаться ошибкой, а не висеть
const defaultCreateWait = 10 * time.Second

// Store — контракт хранилища теневых записей. Отсутствие записи —
// не ошибка: (nil, nil) и (0, nil) соответственно.
type Store interface {
	SavePRState(ctx context.Context, state *models.PRState) error
	GetPRState(ctx context.Context, number int) (*models.PRState, error)
	DeletePRState(ctx context.Context, number int) error
	GetAllPRStates(ctx context.Context) ([]*models.PRState, error)
	GetPRNumberByExternalMessageID(ctx context.Context, messageID string) (int, error)
}

// Engine — движок реконсиляции теневого представления PR.
// На каждое входящее событие движок читает последнюю сохраненную запись,
// выводит новый статус, строит разность мутаций до целевого состояния
// и применяет ее через Notifier. Монопольное владение записью PRState —
// здесь; остальные компоненты получают снимки или считают чисто.
type Engine struct {
	store     Store
	notifier  chat.Notifier
	renderer  *render.Renderer
	ids       *identity.Mapper
	logger    *zap.Logger
	channelID string

	// Одиночный полет на номер PR: конкурентные создатели одной записи
	// схлопываются в одного лидера, остальные ждут его результат
	creating   singleflight.Group
	createWait time.Duration
}

// New создает движок реконсиляции
func New(store Store, notifier chat.Notifier, renderer *render.Renderer, ids *identity.Mapper, channelID string, logger *zap.Logger) *Engine {
	return &Engine{
		store:      store,
		notifier:   notifier,
		renderer:   renderer,
		ids:        ids,
		logger:     logger,
		channelID:  channelID,
		createWait: defaultCreateWait,
	}
}

// HandleEvent — единственная точка входа движка. Ошибки хранилища и
// ошибки создания фатальны для текущего события и всплывают к вызывающему;
// повторная доставка того же события безопасна.
func (e *Engine) HandleEvent(ctx context.Context, event models.Event) error {
	e.logger.Info("HandleEvent: событие получено",
		zap.String("kind", event.Kind()),
		zap.Int("pr_number", event.Number()))

	// Открытие — отдельный путь: здесь создание и есть вся работа
	if opened, ok := event.(models.EventOpened); ok {
		_, err := e.ensureState(ctx, opened.PR, opened.Reviewers)
		return err
	}

	state, err := e.store.GetPRState(ctx, event.Number())
	if err != nil {
		return fmt.Errorf("failed to load PR state: %w", err)
	}

	if state == nil {
		info := event.Info()
		// Воскрешать нечего: PR уже мертв по данным самого события
		if info.TerminalFact() != models.TerminalNone {
			e.logger.Info("HandleEvent: событие для неизвестного терминального PR пропущено",
				zap.Int("pr_number", event.Number()),
				zap.String("kind", event.Kind()))
			return nil
		}
		// Ретроактивная материализация: сначала синтезируем путь
		// создания, затем применяем настоящее событие поверх
		state, err = e.ensureState(ctx, info, nil)
		if err != nil {
			return err
		}
	}

	switch ev := event.(type) {
	case models.EventEdited:
		return e.handleEdited(ctx, state, ev)
	case models.EventReviewerRequested:
		return e.handleReviewerRequested(ctx, state, ev)
	case models.EventReviewerRequestRemoved:
		return e.handleReviewerRequestRemoved(ctx, state, ev)
	case models.EventReviewSubmitted:
		return e.handleReviewSubmitted(ctx, state, ev)
	case models.EventReviewDismissed:
		return e.handleReviewDismissed(ctx, state, ev)
	case models.EventClosed:
		return e.handleClosed(ctx, state, ev)
	case models.EventReopened:
		return e.handleReopened(ctx, state, ev)
	default:
		return fmt.Errorf("unknown event kind %q", event.Kind())
	}
}

// ensureState возвращает существующую запись PR или создает ее заново
// (не более одного создания на номер PR при любой конкуренции).
// Ожидание чужого создания ограничено createWait и падает с ошибкой,
// если лидер так и не завершился.
func (e *Engine) ensureState(ctx context.Context, info models.PullRequestInfo, reviewers []string) (*models.PRState, error) {
	if info.Number <= 0 || info.Author == "" || info.Title == "" {
		return nil, ErrMissingIdentity
	}

	ch := e.creating.DoChan(strconv.Itoa(info.Number), func() (interface{}, error) {
		// Повторная проверка внутри клейма: пока мы ждали слот,
		// запись могла появиться
		state, err := e.store.GetPRState(ctx, info.Number)
		if err != nil {
			return nil, fmt.Errorf("failed to re-check PR state: %w", err)
		}
		if state != nil {
			return state, nil
		}
		return e.createState(ctx, info, reviewers)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			e.logger.Info("ensureState: создание было разделено с конкурентным обработчиком",
				zap.Int("pr_number", info.Number))
		}
		// Разделенный результат копируется: обработчики не делят
		// один изменяемый экземпляр
		return res.Val.(*models.PRState).Clone(), nil
	case <-time.After(e.createWait):
		return nil, ErrCreationTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// createState выполняет путь создания: сообщение, тред от него и вводное
// сообщение треда — единое целое. Любой сбой фатален, состояние не
// сохраняется вовсе: частичной записи (сообщение без треда) не бывает.
func (e *Engine) createState(ctx context.Context, info models.PullRequestInfo, reviewers []string) (*models.PRState, error) {
	now := time.Now()
	state := &models.PRState{
		Number:     info.Number,
		Owner:      info.Owner,
		Repo:       info.Repo,
		Title:      info.Title,
		Body:       info.Body,
		Author:     info.Author,
		BaseBranch: info.BaseBranch,
		HeadBranch: info.HeadBranch,
		URL:        info.URL,
		Draft:      info.Draft,
		Reviewers:  reviewers,
		Status:     models.DeriveStatus(nil, info.Draft, models.TerminalNone),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	messageID, err := e.notifier.SendMessage(ctx, e.channelID, e.renderer.Message(state))
	if err != nil {
		return nil, fmt.Errorf("failed to send PR message: %w", err)
	}

	threadID, err := e.notifier.CreateThread(ctx, e.channelID, messageID, e.renderer.ThreadName(state))
	if err != nil {
		return nil, fmt.Errorf("failed to create PR thread: %w", err)
	}

	if _, err := e.notifier.SendThreadMessage(ctx, threadID, e.renderer.ThreadIntro(state)); err != nil {
		return nil, fmt.Errorf("failed to post thread intro: %w", err)
	}

	state.ExternalMessageID = messageID
	state.ExternalThreadID = threadID

	// Первоначальных ревьюеров зовем в тред best-effort: упоминание в
	// сообщении заменяет членство, если добавить не вышло
	for _, reviewer := range reviewers {
		e.addThreadMember(ctx, state, reviewer)
	}

	if err := e.store.SavePRState(ctx, state); err != nil {
		return nil, fmt.Errorf("failed to persist created PR state: %w", err)
	}

	e.logger.Info("createState: теневое представление PR создано",
		zap.Int("pr_number", state.Number),
		zap.String("message_id", messageID),
		zap.String("thread_id", threadID),
		zap.String("status", string(state.Status)))

	return state, nil
}

// handleEdited — изменение заголовка/описания или переключение draft-флага
func (e *Engine) handleEdited(ctx context.Context, state *models.PRState, ev models.EventEdited) error {
	state.Title = ev.PR.Title
	state.Body = ev.PR.Body
	state.Draft = ev.PR.Draft
	state.Status = models.DeriveStatus(state.Reviews, state.Draft, terminalOf(state.Status))

	e.editMessage(ctx, state)

	return e.persist(ctx, state)
}

// handleReviewerRequested — запрошен ревьюер
func (e *Engine) handleReviewerRequested(ctx context.Context, state *models.PRState, ev models.EventReviewerRequested) error {
	if !state.AddReviewer(ev.Reviewer) {
		// Повторная доставка: состав не изменился, делать нечего
		e.logger.Info("handleReviewerRequested: ревьюер уже запрошен",
			zap.Int("pr_number", state.Number),
			zap.String("reviewer", ev.Reviewer))
		return nil
	}

	e.editMessage(ctx, state)
	e.addThreadMember(ctx, state, ev.Reviewer)
	e.postThread(ctx, state, e.renderer.ReviewerAdded(ev.Reviewer))

	return e.persist(ctx, state)
}

// handleReviewerRequestRemoved — запрос ревью отозван. История
// сохраняется: ревьюера с живым ревью из состава не убирают.
func (e *Engine) handleReviewerRequestRemoved(ctx context.Context, state *models.PRState, ev models.EventReviewerRequestRemoved) error {
	if _, reviewed := state.ReviewBy(ev.Reviewer); reviewed {
		e.logger.Info("handleReviewerRequestRemoved: у ревьюера есть живое ревью, удаление игнорируется",
			zap.Int("pr_number", state.Number),
			zap.String("reviewer", ev.Reviewer))
		return nil
	}
	if !state.RemoveReviewer(ev.Reviewer) {
		return nil
	}

	e.editMessage(ctx, state)
	e.removeThreadMember(ctx, state, ev.Reviewer)
	e.postThread(ctx, state, e.renderer.ReviewerRemoved(ev.Reviewer))

	return e.persist(ctx, state)
}

// handleReviewSubmitted — вердикт ревьюера. Не более одного живого ревью
// на ревьюера: новое заменяет старое. Ревьюер, которого не запрашивали,
// добавляется в состав молча (самоназначение).
func (e *Engine) handleReviewSubmitted(ctx context.Context, state *models.PRState, ev models.EventReviewSubmitted) error {
	state.UpsertReview(ev.Review)
	selfAssigned := state.AddReviewer(ev.Review.Reviewer)
	state.Status = models.DeriveStatus(state.Reviews, state.Draft, terminalOf(state.Status))

	e.editMessage(ctx, state)
	e.applyReactions(ctx, state)
	e.postThread(ctx, state, e.renderer.ReviewSubmitted(ev.Review))
	if selfAssigned {
		e.addThreadMember(ctx, state, ev.Review.Reviewer)
	}

	return e.persist(ctx, state)
}

// handleReviewDismissed — ревью снято с учета, статус пересчитывается
func (e *Engine) handleReviewDismissed(ctx context.Context, state *models.PRState, ev models.EventReviewDismissed) error {
	if !state.RemoveReview(ev.Reviewer) {
		e.logger.Info("handleReviewDismissed: живого ревью не было",
			zap.Int("pr_number", state.Number),
			zap.String("reviewer", ev.Reviewer))
		return nil
	}
	state.Status = models.DeriveStatus(state.Reviews, state.Draft, terminalOf(state.Status))

	e.editMessage(ctx, state)
	e.applyReactions(ctx, state)
	e.postThread(ctx, state, e.renderer.ReviewDismissed(ev.Reviewer))

	return e.persist(ctx, state)
}

// handleClosed — PR закрыт или смержен: терминальная реакция вместо
// реакций-вердиктов, прощальное сообщение, вывод участников, блокировка
// треда. Каждое удаление участника — best-effort: один отказ не
// прерывает остальные.
func (e *Engine) handleClosed(ctx context.Context, state *models.PRState, ev models.EventClosed) error {
	if ev.Merged {
		state.Status = models.StatusMerged
	} else {
		state.Status = models.StatusClosed
	}

	e.editMessage(ctx, state)
	e.applyReactions(ctx, state)
	e.postThread(ctx, state, e.renderer.Terminal(ev.ClosedBy, ev.Merged))

	// Выводим всех, кого добавлял сам движок, плюс автора. Целевой
	// состав треда закрытого PR пуст, план дает только удаления.
	_, evict := planner.PlanMembership(state.TrackedThreadMembers, nil)
	for _, id := range evict {
		if err := e.notifier.RemoveThreadMember(ctx, state.ExternalThreadID, id); err != nil {
			e.logger.Warn("handleClosed: не удалось удалить участника треда",
				zap.Int("pr_number", state.Number),
				zap.String("member", id),
				zap.Error(err))
			continue
		}
		state.UntrackMember(id)
	}
	if authorID, ok := e.ids.Resolve(state.Author); ok {
		if err := e.notifier.RemoveThreadMember(ctx, state.ExternalThreadID, authorID); err != nil {
			e.logger.Warn("handleClosed: не удалось удалить автора из треда",
				zap.Int("pr_number", state.Number),
				zap.Error(err))
		}
	}

	if err := e.notifier.LockThread(ctx, state.ExternalThreadID, true); err != nil {
		e.logger.Warn("handleClosed: не удалось заблокировать тред",
			zap.Int("pr_number", state.Number), zap.Error(err))
	}

	return e.persist(ctx, state)
}

// handleReopened — закрытый PR открыт заново. Статус пересчитывается из
// текущего набора ревью, а не восстанавливается из докризисного: ранее
// одобренный PR переоткрывается как approved.
func (e *Engine) handleReopened(ctx context.Context, state *models.PRState, ev models.EventReopened) error {
	if state.Status == models.StatusMerged {
		// Переоткрытие смерженного PR источник не присылает
		e.logger.Warn("handleReopened: переоткрытие смерженного PR проигнорировано",
			zap.Int("pr_number", state.Number))
		return nil
	}

	state.Draft = ev.PR.Draft
	state.Status = models.DeriveStatus(state.Reviews, state.Draft, models.TerminalNone)

	e.editMessage(ctx, state)
	e.applyReactions(ctx, state)

	if err := e.notifier.LockThread(ctx, state.ExternalThreadID, false); err != nil {
		e.logger.Warn("handleReopened: не удалось разблокировать тред",
			zap.Int("pr_number", state.Number), zap.Error(err))
	}
	e.addThreadMember(ctx, state, state.Author)
	e.postThread(ctx, state, e.renderer.Reopened(state))

	return e.persist(ctx, state)
}

// editMessage перерисовывает живое сообщение из текущего состояния.
// Сбой не фатален: следующее событие перерисует сообщение снова.
func (e *Engine) editMessage(ctx context.Context, state *models.PRState) {
	err := e.notifier.EditMessage(ctx, e.channelID, state.ExternalMessageID, e.renderer.Message(state))
	if err != nil {
		e.logger.Warn("editMessage: не удалось обновить сообщение",
			zap.Int("pr_number", state.Number), zap.Error(err))
	}
}

// applyReactions приводит реакции сообщения к целевому набору статуса.
// План всегда строится от целевого состояния, поэтому частично
// примененный план долечивается при следующем событии.
func (e *Engine) applyReactions(ctx context.Context, state *models.PRState) {
	diff := planner.PlanReactions(state.Status)
	for _, emoji := range diff.Remove {
		if err := e.notifier.RemoveReaction(ctx, e.channelID, state.ExternalMessageID, emoji); err != nil {
			e.logger.Warn("applyReactions: не удалось снять реакцию",
				zap.Int("pr_number", state.Number),
				zap.String("emoji", emoji),
				zap.Error(err))
		}
	}
	for _, emoji := range diff.Add {
		if err := e.notifier.AddReaction(ctx, e.channelID, state.ExternalMessageID, emoji); err != nil {
			e.logger.Warn("applyReactions: не удалось поставить реакцию",
				zap.Int("pr_number", state.Number),
				zap.String("emoji", emoji),
				zap.Error(err))
		}
	}
}

// postThread отправляет уведомление в тред (best-effort)
func (e *Engine) postThread(ctx context.Context, state *models.PRState, text string) {
	if _, err := e.notifier.SendThreadMessage(ctx, state.ExternalThreadID, text); err != nil {
		e.logger.Warn("postThread: не удалось отправить сообщение в тред",
			zap.Int("pr_number", state.Number), zap.Error(err))
	}
}

// addThreadMember добавляет участника в тред best-effort: упоминание в
// тексте сообщения заменяет членство при отказе. Успешное добавление
// запоминается в TrackedThreadMembers — только таких участников движок
// вправе удалять при закрытии.
func (e *Engine) addThreadMember(ctx context.Context, state *models.PRState, login string) {
	chatID, ok := e.ids.Resolve(login)
	if !ok {
		e.logger.Info("addThreadMember: логин не сопоставлен с чатом",
			zap.Int("pr_number", state.Number), zap.String("login", login))
		return
	}
	if err := e.notifier.AddThreadMember(ctx, state.ExternalThreadID, chatID); err != nil {
		e.logger.Warn("addThreadMember: не удалось добавить участника треда",
			zap.Int("pr_number", state.Number),
			zap.String("login", login),
			zap.Error(err))
		return
	}
	state.TrackMember(chatID)
}

// removeThreadMember удаляет участника, только если движок сам его
// добавлял: пришедших в тред добровольно не трогаем
func (e *Engine) removeThreadMember(ctx context.Context, state *models.PRState, login string) {
	chatID, ok := e.ids.Resolve(login)
	if !ok || !state.HasTrackedMember(chatID) {
		return
	}
	if err := e.notifier.RemoveThreadMember(ctx, state.ExternalThreadID, chatID); err != nil {
		e.logger.Warn("removeThreadMember: не удалось удалить участника треда",
			zap.Int("pr_number", state.Number),
			zap.String("login", login),
			zap.Error(err))
		return
	}
	state.UntrackMember(chatID)
}

// persist сохраняет состояние; запись идет даже после частичных отказов
// исходящих вызовов, чтобы локальный агрегат не разъезжался с событиями
func (e *Engine) persist(ctx context.Context, state *models.PRState) error {
	state.UpdatedAt = time.Now()
	if err := e.store.SavePRState(ctx, state); err != nil {
		return fmt.Errorf("failed to persist PR state: %w", err)
	}
	e.logger.Info("persist: состояние PR сохранено",
		zap.Int("pr_number", state.Number),
		zap.String("status", string(state.Status)))
	return nil
}

// terminalOf переводит терминальный статус в терминальный факт для
// пересчета: пока PR закрыт, статус из ревью не выводится
func terminalOf(status models.Status) models.Terminal {
	switch status {
	case models.StatusMerged:
		return models.TerminalMerged
	case models.StatusClosed:
		return models.TerminalClosed
	default:
		return models.TerminalNone
	}
}
