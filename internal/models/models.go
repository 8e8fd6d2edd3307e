// models/models.go
package models

import "time"

// Status — каноничный статус PR, выводимый из набора ревью и флагов
type Status string

const (
	StatusDraft            Status = "draft"
	StatusReadyForReview   Status = "ready_for_review"
	StatusChangesRequested Status = "changes_requested"
	StatusApproved         Status = "approved"
	StatusMerged           Status = "merged"
	StatusClosed           Status = "closed"
)

// IsTerminal сообщает, является ли статус терминальным (merged/closed)
func (s Status) IsTerminal() bool {
	return s == StatusMerged || s == StatusClosed
}

// Terminal — терминальный факт из payload события (none/closed/merged)
type Terminal string

const (
	TerminalNone   Terminal = ""
	TerminalClosed Terminal = "closed"
	TerminalMerged Terminal = "merged"
)

// Verdict — вердикт одного ревью
type Verdict string

const (
	VerdictApproved         Verdict = "approved"
	VerdictChangesRequested Verdict = "changes_requested"
	VerdictCommented        Verdict = "commented"
	VerdictDismissed        Verdict = "dismissed"
)

// Review представляет последний вердикт одного ревьюера.
// В PRState.Reviews не может быть двух записей с одним Reviewer.
type Review struct {
	Reviewer    string    `json:"reviewer"`
	Verdict     Verdict   `json:"verdict"`
	Body        string    `json:"body,omitempty"`
	ReviewID    int64     `json:"review_id"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// PullRequestInfo — сырые данные PR из payload события.
// Каждое событие (кроме opened — там они и есть предмет события) несет
// их для ретроактивной материализации пропущенных PR.
type PullRequestInfo struct {
	Number     int    `json:"number"`
	Owner      string `json:"owner"`
	Repo       string `json:"repo"`
	Title      string `json:"title"`
	Body       string `json:"body"`
	Author     string `json:"author"`
	BaseBranch string `json:"base_branch"`
	HeadBranch string `json:"head_branch"`
	URL        string `json:"url"`
	Draft      bool   `json:"draft"`
	State      string `json:"state"` // "open" | "closed"
	Merged     bool   `json:"merged"`
}

// TerminalFact возвращает терминальный факт из payload:
// закрытый PR терминален, смерженный — терминален навсегда
func (i PullRequestInfo) TerminalFact() Terminal {
	if i.Merged {
		return TerminalMerged
	}
	if i.State == "closed" {
		return TerminalClosed
	}
	return TerminalNone
}

// PRState — теневая запись PR, единица персистентности.
// Инвариант: ExternalMessageID и ExternalThreadID либо оба заполнены,
// либо оба пусты — сообщение без треда не сохраняется никогда.
type PRState struct {
	Number     int    `json:"number" db:"number"`
	Owner      string `json:"owner" db:"owner"`
	Repo       string `json:"repo" db:"repo"`
	Title      string `json:"title" db:"title"`
	Body       string `json:"body" db:"body"`
	Author     string `json:"author" db:"author"`
	BaseBranch string `json:"base_branch" db:"base_branch"`
	HeadBranch string `json:"head_branch" db:"head_branch"`
	URL        string `json:"url" db:"url"`
	Draft      bool   `json:"draft" db:"draft"`

	Status Status `json:"status" db:"status"`

	// Запрошенные ревьюеры (множество, порядок не важен)
	Reviewers []string `json:"reviewers" db:"-"`
	// Живые ревью, не более одного на ревьюера
	Reviews []Review `json:"reviews" db:"-"`

	ExternalMessageID string `json:"external_message_id" db:"external_message_id"`
	ExternalThreadID  string `json:"external_thread_id" db:"external_thread_id"`

	// Участники треда, добавленные самим движком — только их
	// движок вправе удалять при закрытии PR
	TrackedThreadMembers []string `json:"tracked_thread_members" db:"-"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Clone возвращает глубокую копию записи: обработчики событий никогда
// не делят между собой один изменяемый экземпляр
func (s *PRState) Clone() *PRState {
	c := *s
	c.Reviewers = append([]string(nil), s.Reviewers...)
	c.Reviews = append([]Review(nil), s.Reviews...)
	c.TrackedThreadMembers = append([]string(nil), s.TrackedThreadMembers...)
	return &c
}

// ReviewBy возвращает живое ревью указанного ревьюера, если оно есть
func (s *PRState) ReviewBy(reviewer string) (Review, bool) {
	for _, r := range s.Reviews {
		if r.Reviewer == reviewer {
			return r, true
		}
	}
	return Review{}, false
}

// UpsertReview заменяет ревью того же ревьюера или добавляет новое
func (s *PRState) UpsertReview(review Review) {
	for i, r := range s.Reviews {
		if r.Reviewer == review.Reviewer {
			s.Reviews[i] = review
			return
		}
	}
	s.Reviews = append(s.Reviews, review)
}

// RemoveReview удаляет ревью ревьюера; возвращает true, если запись была
func (s *PRState) RemoveReview(reviewer string) bool {
	for i, r := range s.Reviews {
		if r.Reviewer == reviewer {
			s.Reviews = append(s.Reviews[:i], s.Reviews[i+1:]...)
			return true
		}
	}
	return false
}

// HasReviewer сообщает, запрошен ли ревьюер
func (s *PRState) HasReviewer(reviewer string) bool {
	for _, r := range s.Reviewers {
		if r == reviewer {
			return true
		}
	}
	return false
}

// AddReviewer добавляет ревьюера в множество запрошенных; возвращает
// false, если он там уже был
func (s *PRState) AddReviewer(reviewer string) bool {
	if s.HasReviewer(reviewer) {
		return false
	}
	s.Reviewers = append(s.Reviewers, reviewer)
	return true
}

// RemoveReviewer удаляет ревьюера из множества запрошенных
func (s *PRState) RemoveReviewer(reviewer string) bool {
	for i, r := range s.Reviewers {
		if r == reviewer {
			s.Reviewers = append(s.Reviewers[:i], s.Reviewers[i+1:]...)
			return true
		}
	}
	return false
}

// HasTrackedMember сообщает, добавлял ли движок участника в тред
func (s *PRState) HasTrackedMember(identity string) bool {
	for _, m := range s.TrackedThreadMembers {
		if m == identity {
			return true
		}
	}
	return false
}

// TrackMember запоминает участника треда, добавленного движком
func (s *PRState) TrackMember(identity string) {
	if s.HasTrackedMember(identity) {
		return
	}
	s.TrackedThreadMembers = append(s.TrackedThreadMembers, identity)
}

// UntrackMember забывает участника треда
func (s *PRState) UntrackMember(identity string) {
	for i, m := range s.TrackedThreadMembers {
		if m == identity {
			s.TrackedThreadMembers = append(s.TrackedThreadMembers[:i], s.TrackedThreadMembers[i+1:]...)
			return
		}
	}
}

// DeriveStatus выводит каноничный статус PR. Чистая тотальная функция:
// движку не нужна история событий, достаточно текущего агрегата.
// Приоритет: терминальный факт > changes_requested > approved > draft/ready.
func DeriveStatus(reviews []Review, isDraft bool, terminal Terminal) Status {
	switch terminal {
	case TerminalMerged:
		return StatusMerged
	case TerminalClosed:
		return StatusClosed
	}

	// Один запрос изменений перевешивает любое число апрувов
	for _, r := range reviews {
		if r.Verdict == VerdictChangesRequested {
			return StatusChangesRequested
		}
	}
	for _, r := range reviews {
		if r.Verdict == VerdictApproved {
			return StatusApproved
		}
	}

	if isDraft {
		return StatusDraft
	}
	return StatusReadyForReview
}
