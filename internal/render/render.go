// render/render.go
package render

import (
	"fmt"
	"strings"

	"github.com/untibullet/pr-relay/internal/identity"
	"github.com/untibullet/pr-relay/internal/models"
)

// Renderer строит тексты уведомлений из теневой записи PR.
// Чистое форматирование: никакого состояния, кроме таблицы идентичностей.
type Renderer struct {
	ids *identity.Mapper
}

func New(ids *identity.Mapper) *Renderer {
	return &Renderer{ids: ids}
}

// statusLabels — человекочитаемые подписи статусов
var statusLabels = map[models.Status]string{
	models.StatusDraft:            "📝 Черновик",
	models.StatusReadyForReview:   "👀 Ждет ревью",
	models.StatusChangesRequested: "❌ Запрошены изменения",
	models.StatusApproved:         "✅ Одобрен",
	models.StatusMerged:           "🔀 Смержен",
	models.StatusClosed:           "🚫 Закрыт",
}

var verdictLabels = map[models.Verdict]string{
	models.VerdictApproved:         "✅ одобрил",
	models.VerdictChangesRequested: "❌ запросил изменения",
	models.VerdictCommented:        "💬 прокомментировал",
}

// Message строит тело живого сообщения-уведомления. Сообщение всегда
// перерисовывается целиком из текущего состояния, а не патчится
func (r *Renderer) Message(state *models.PRState) string {
	var b strings.Builder

	fmt.Fprintf(&b, "**PR #%d: %s**\n", state.Number, state.Title)
	fmt.Fprintf(&b, "%s\n", state.URL)
	fmt.Fprintf(&b, "Автор: %s | `%s` → `%s`\n", r.ids.Mention(state.Author), state.HeadBranch, state.BaseBranch)
	fmt.Fprintf(&b, "Статус: %s\n", statusLabels[state.Status])

	if len(state.Reviewers) > 0 {
		mentions := make([]string, 0, len(state.Reviewers))
		for _, login := range state.Reviewers {
			mentions = append(mentions, r.ids.Mention(login))
		}
		fmt.Fprintf(&b, "Ревьюеры: %s\n", strings.Join(mentions, ", "))
	}

	for _, review := range state.Reviews {
		label, ok := verdictLabels[review.Verdict]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "• %s %s\n", r.ids.Mention(review.Reviewer), label)
	}

	return strings.TrimRight(b.String(), "\n")
}

// ThreadName — имя треда обсуждения PR
func (r *Renderer) ThreadName(state *models.PRState) string {
	name := fmt.Sprintf("PR #%d: %s", state.Number, state.Title)
	// Лимит Discord на имя канала — 100 символов
	if len(name) > 100 {
		name = name[:97] + "..."
	}
	return name
}

// ThreadIntro — первое сообщение треда
func (r *Renderer) ThreadIntro(state *models.PRState) string {
	return fmt.Sprintf("Обсуждение PR #%d. %s открыл: %s", state.Number, r.ids.Mention(state.Author), state.URL)
}

// ReviewerAdded — уведомление треда о запрошенном ревьюере
func (r *Renderer) ReviewerAdded(reviewer string) string {
	return fmt.Sprintf("%s назначен ревьюером", r.ids.Mention(reviewer))
}

// ReviewerRemoved — уведомление треда об отозванном запросе ревью
func (r *Renderer) ReviewerRemoved(reviewer string) string {
	return fmt.Sprintf("запрос ревью у %s отозван", r.ids.Mention(reviewer))
}

// ReviewSubmitted — уведомление треда о вердикте
func (r *Renderer) ReviewSubmitted(review models.Review) string {
	label, ok := verdictLabels[review.Verdict]
	if !ok {
		label = "оставил ревью"
	}
	text := fmt.Sprintf("%s %s", r.ids.Mention(review.Reviewer), label)
	if review.Body != "" {
		text += fmt.Sprintf("\n> %s", review.Body)
	}
	return text
}

// ReviewDismissed — уведомление треда об отклоненном ревью
func (r *Renderer) ReviewDismissed(reviewer string) string {
	return fmt.Sprintf("ревью от %s отклонено", r.ids.Mention(reviewer))
}

// Terminal — уведомление треда о закрытии/мерже
func (r *Renderer) Terminal(closedBy string, merged bool) string {
	if merged {
		return fmt.Sprintf("PR смержен %s. Тред закрывается.", r.ids.Mention(closedBy))
	}
	return fmt.Sprintf("PR закрыт %s без мержа. Тред закрывается.", r.ids.Mention(closedBy))
}

// Reopened — уведомление треда о переоткрытии
func (r *Renderer) Reopened(state *models.PRState) string {
	return fmt.Sprintf("PR #%d открыт заново, статус: %s", state.Number, statusLabels[state.Status])
}
