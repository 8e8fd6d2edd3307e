// webhook/payload.go
package webhook

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/untibullet/pr-relay/internal/models"
)

// Сырые формы webhook-payload источника. Валидируются и превращаются в
// каноничную модель событий один раз, на границе: движок сырых форм
// не видит.

type userPayload struct {
	Login string `json:"login"`
}

type refPayload struct {
	Ref string `json:"ref"`
}

type repoPayload struct {
	Name  string      `json:"name"`
	Owner userPayload `json:"owner"`
}

type prPayload struct {
	Number             int           `json:"number"`
	Title              string        `json:"title"`
	Body               string        `json:"body"`
	State              string        `json:"state"`
	Merged             bool          `json:"merged"`
	Draft              bool          `json:"draft"`
	HTMLURL            string        `json:"html_url"`
	User               userPayload   `json:"user"`
	Head               refPayload    `json:"head"`
	Base               refPayload    `json:"base"`
	RequestedReviewers []userPayload `json:"requested_reviewers"`
}

type pullRequestEventPayload struct {
	Action            string       `json:"action"`
	Number            int          `json:"number"`
	PullRequest       prPayload    `json:"pull_request"`
	RequestedReviewer *userPayload `json:"requested_reviewer"`
	Sender            userPayload  `json:"sender"`
	Repository        repoPayload  `json:"repository"`
}

type reviewPayload struct {
	ID          int64       `json:"id"`
	User        userPayload `json:"user"`
	Body        string      `json:"body"`
	State       string      `json:"state"`
	SubmittedAt time.Time   `json:"submitted_at"`
}

type reviewEventPayload struct {
	Action      string        `json:"action"`
	Review      reviewPayload `json:"review"`
	PullRequest prPayload     `json:"pull_request"`
	Repository  repoPayload   `json:"repository"`
}

// toInfo собирает данные материализации из payload
func toInfo(pr prPayload, repo repoPayload) models.PullRequestInfo {
	return models.PullRequestInfo{
		Number:     pr.Number,
		Owner:      repo.Owner.Login,
		Repo:       repo.Name,
		Title:      pr.Title,
		Body:       pr.Body,
		Author:     pr.User.Login,
		BaseBranch: pr.Base.Ref,
		HeadBranch: pr.Head.Ref,
		URL:        pr.HTMLURL,
		Draft:      pr.Draft,
		State:      pr.State,
		Merged:     pr.Merged,
	}
}

// ParseEvent превращает сырой webhook в каноничное событие.
// (nil, nil) означает «вид события не интересен, подтвердить и забыть».
func ParseEvent(eventType string, body []byte) (models.Event, error) {
	switch eventType {
	case "pull_request":
		return parsePullRequestEvent(body)
	case "pull_request_review":
		return parseReviewEvent(body)
	default:
		return nil, nil
	}
}

func parsePullRequestEvent(body []byte) (models.Event, error) {
	var p pullRequestEventPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("failed to parse pull_request payload: %w", err)
	}
	info := toInfo(p.PullRequest, p.Repository)

	switch p.Action {
	case "opened":
		reviewers := make([]string, 0, len(p.PullRequest.RequestedReviewers))
		for _, u := range p.PullRequest.RequestedReviewers {
			reviewers = append(reviewers, u.Login)
		}
		return models.EventOpened{PR: info, Reviewers: reviewers}, nil

	case "edited", "converted_to_draft", "ready_for_review":
		return models.EventEdited{PR: info}, nil

	case "review_requested":
		if p.RequestedReviewer == nil || p.RequestedReviewer.Login == "" {
			// Запрос ревью у команды, а не у пользователя
			return nil, nil
		}
		return models.EventReviewerRequested{PR: info, Reviewer: p.RequestedReviewer.Login}, nil

	case "review_request_removed":
		if p.RequestedReviewer == nil || p.RequestedReviewer.Login == "" {
			return nil, nil
		}
		return models.EventReviewerRequestRemoved{PR: info, Reviewer: p.RequestedReviewer.Login}, nil

	case "closed":
		return models.EventClosed{PR: info, ClosedBy: p.Sender.Login, Merged: p.PullRequest.Merged}, nil

	case "reopened":
		return models.EventReopened{PR: info}, nil

	default:
		return nil, nil
	}
}

func parseReviewEvent(body []byte) (models.Event, error) {
	var p reviewEventPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("failed to parse pull_request_review payload: %w", err)
	}
	info := toInfo(p.PullRequest, p.Repository)

	switch p.Action {
	case "submitted":
		verdict, ok := parseVerdict(p.Review.State)
		if !ok {
			return nil, nil
		}
		return models.EventReviewSubmitted{
			PR: info,
			Review: models.Review{
				Reviewer:    p.Review.User.Login,
				Verdict:     verdict,
				Body:        p.Review.Body,
				ReviewID:    p.Review.ID,
				SubmittedAt: p.Review.SubmittedAt,
			},
		}, nil

	case "dismissed":
		return models.EventReviewDismissed{PR: info, Reviewer: p.Review.User.Login}, nil

	default:
		return nil, nil
	}
}

func parseVerdict(state string) (models.Verdict, bool) {
	switch state {
	case "approved":
		return models.VerdictApproved, true
	case "changes_requested":
		return models.VerdictChangesRequested, true
	case "commented":
		return models.VerdictCommented, true
	case "dismissed":
		// Снятие ревью приходит отдельным действием dismissed;
		// submitted с таким вердиктом живого ревью не несет
		return models.VerdictDismissed, false
	default:
		return "", false
	}
}
