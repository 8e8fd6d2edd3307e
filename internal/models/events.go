// models/events.go
package models

// Event — каноничное событие жизненного цикла PR, один вариант на вид
// события. Запечатанный интерфейс: внешние пакеты не могут добавлять
// варианты, движок разбирает событие исчерпывающим type switch.
type Event interface {
	// Number возвращает номер PR, к которому относится событие
	Number() int
	// Info возвращает сырые данные PR для ретроактивной материализации
	Info() PullRequestInfo
	// Kind возвращает вид события для логов
	Kind() string

	isEvent()
}

func (EventOpened) isEvent()                 {}
func (EventEdited) isEvent()                 {}
func (EventReviewerRequested) isEvent()      {}
func (EventReviewerRequestRemoved) isEvent() {}
func (EventReviewSubmitted) isEvent()        {}
func (EventReviewDismissed) isEvent()        {}
func (EventClosed) isEvent()                 {}
func (EventReopened) isEvent()               {}

// EventOpened — PR открыт
type EventOpened struct {
	PR        PullRequestInfo
	Reviewers []string // изначально запрошенные ревьюеры
}

// EventEdited — изменены заголовок/описание или переключен draft-флаг
type EventEdited struct {
	PR PullRequestInfo
}

// EventReviewerRequested — запрошен ревьюер
type EventReviewerRequested struct {
	PR       PullRequestInfo
	Reviewer string
}

// EventReviewerRequestRemoved — запрос ревью отозван
type EventReviewerRequestRemoved struct {
	PR       PullRequestInfo
	Reviewer string
}

// EventReviewSubmitted — ревьюер отправил вердикт
type EventReviewSubmitted struct {
	PR     PullRequestInfo
	Review Review
}

// EventReviewDismissed — ревью отклонено (снято с учета)
type EventReviewDismissed struct {
	PR       PullRequestInfo
	Reviewer string
}

// EventClosed — PR закрыт или смержен
type EventClosed struct {
	PR       PullRequestInfo
	ClosedBy string
	Merged   bool
}

// EventReopened — закрытый (не смерженный) PR открыт заново
type EventReopened struct {
	PR PullRequestInfo
}

func (e EventOpened) Number() int                 { return e.PR.Number }
func (e EventEdited) Number() int                 { return e.PR.Number }
func (e EventReviewerRequested) Number() int      { return e.PR.Number }
func (e EventReviewerRequestRemoved) Number() int { return e.PR.Number }
func (e EventReviewSubmitted) Number() int        { return e.PR.Number }
func (e EventReviewDismissed) Number() int        { return e.PR.Number }
func (e EventClosed) Number() int                 { return e.PR.Number }
func (e EventReopened) Number() int               { return e.PR.Number }

func (e EventOpened) Info() PullRequestInfo                 { return e.PR }
func (e EventEdited) Info() PullRequestInfo                 { return e.PR }
func (e EventReviewerRequested) Info() PullRequestInfo      { return e.PR }
func (e EventReviewerRequestRemoved) Info() PullRequestInfo { return e.PR }
func (e EventReviewSubmitted) Info() PullRequestInfo        { return e.PR }
func (e EventReviewDismissed) Info() PullRequestInfo        { return e.PR }
func (e EventClosed) Info() PullRequestInfo                 { return e.PR }
func (e EventReopened) Info() PullRequestInfo               { return e.PR }

func (EventOpened) Kind() string                 { return "opened" }
func (EventEdited) Kind() string                 { return "edited" }
func (EventReviewerRequested) Kind() string      { return "reviewer_requested" }
func (EventReviewerRequestRemoved) Kind() string { return "reviewer_request_removed" }
func (EventReviewSubmitted) Kind() string        { return "review_submitted" }
func (EventReviewDismissed) Kind() string        { return "review_dismissed" }
func (EventClosed) Kind() string                 { return "closed" }
func (EventReopened) Kind() string               { return "reopened" }
