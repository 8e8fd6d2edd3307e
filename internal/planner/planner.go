// planner/planner.go
package planner

import "github.com/untibullet/pr-relay/internal/models"

// Реакции, которыми движок помечает сообщение-уведомление.
// Одновременно видна не более чем одна реакция-вердикт.
const (
	ReactionApproved         = "✅"
	ReactionChangesRequested = "❌"
	ReactionMerged           = "🔀"
	ReactionClosed           = "🚫"
)

// managedReactions — полный набор реакций, которыми управляет движок.
// Все, что не входит в целевой набор, подлежит снятию.
var managedReactions = []string{
	ReactionApproved,
	ReactionChangesRequested,
	ReactionMerged,
	ReactionClosed,
}

// ReactionDiff — план мутаций реакций: что снять и что поставить
type ReactionDiff struct {
	Remove []string
	Add    []string
}

// ReactionsFor возвращает целевой набор реакций для статуса
func ReactionsFor(status models.Status) []string {
	switch status {
	case models.StatusApproved:
		return []string{ReactionApproved}
	case models.StatusChangesRequested:
		return []string{ReactionChangesRequested}
	case models.StatusMerged:
		return []string{ReactionMerged}
	case models.StatusClosed:
		return []string{ReactionClosed}
	default:
		return nil
	}
}

// PlanReactions строит план реакций для целевого статуса. План выводится
// из целевого набора, а не из истории действий: снимается все управляемое,
// чего в целевом наборе нет, ставится все, что в нем есть. Снятие
// отсутствующей реакции — no-op на стороне адаптера, поэтому план
// безопасно применять повторно и после частичных сбоев.
func PlanReactions(target models.Status) ReactionDiff {
	want := ReactionsFor(target)

	var diff ReactionDiff
	for _, r := range managedReactions {
		if contains(want, r) {
			diff.Add = append(diff.Add, r)
		} else {
			diff.Remove = append(diff.Remove, r)
		}
	}
	return diff
}

// PlanMembership строит разность состава треда: кого добавить и кого
// удалить, чтобы перейти от текущего отслеживаемого состава к целевому.
// Кандидатами на удаление бывают только отслеживаемые участники —
// тех, кто попал в тред сам (или кого добавила платформа по упоминанию),
// движок не трогает.
func PlanMembership(tracked, target []string) (add, remove []string) {
	for _, id := range target {
		if !contains(tracked, id) {
			add = append(add, id)
		}
	}
	for _, id := range tracked {
		if !contains(target, id) {
			remove = append(remove, id)
		}
	}
	return add, remove
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
