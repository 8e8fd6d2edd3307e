// repository/repository.go
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/untibullet/pr-relay/internal/models"
)

var (
	ErrInvalidState = errors.New("invalid PR state")
)

// Repository — хранилище теневых записей PR поверх PostgreSQL.
// Бизнес-инварианты принадлежат движку; хранилище гарантирует только
// согласованность чтения своих записей в рамках процесса и парность
// external_message_id / external_thread_id (CHECK-ограничение схемы).
type Repository struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Migrate идемпотентно создает схему хранилища
func (r *Repository) Migrate(ctx context.Context) error {
	schema := `
        CREATE TABLE IF NOT EXISTS pr_states (
            number              BIGINT PRIMARY KEY,
            owner               TEXT NOT NULL,
            repo                TEXT NOT NULL,
            title               TEXT NOT NULL,
            body                TEXT NOT NULL DEFAULT '',
            author              TEXT NOT NULL,
            base_branch         TEXT NOT NULL DEFAULT '',
            head_branch         TEXT NOT NULL DEFAULT '',
            url                 TEXT NOT NULL DEFAULT '',
            draft               BOOLEAN NOT NULL DEFAULT FALSE,
            status              TEXT NOT NULL,
            reviewers           JSONB NOT NULL DEFAULT '[]',
            reviews             JSONB NOT NULL DEFAULT '[]',
            tracked_members     JSONB NOT NULL DEFAULT '[]',
            external_message_id TEXT NOT NULL DEFAULT '',
            external_thread_id  TEXT NOT NULL DEFAULT '',
            created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            CHECK ((external_message_id = '') = (external_thread_id = ''))
        );
        CREATE UNIQUE INDEX IF NOT EXISTS idx_pr_states_message_id
            ON pr_states (external_message_id)
            WHERE external_message_id <> '';
    `
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate pr_states schema: %w", err)
	}
	return nil
}

// SavePRState сохраняет теневую запись PR (upsert по номеру)
func (r *Repository) SavePRState(ctx context.Context, state *models.PRState) error {
	// Сообщение без треда (и наоборот) не сохраняется никогда
	if (state.ExternalMessageID == "") != (state.ExternalThreadID == "") {
		return ErrInvalidState
	}

	reviewers, reviews, members, err := marshalSets(state)
	if err != nil {
		return err
	}

	query := `
        INSERT INTO pr_states (
            number, owner, repo, title, body, author,
            base_branch, head_branch, url, draft, status,
            reviewers, reviews, tracked_members,
            external_message_id, external_thread_id,
            created_at, updated_at
        )
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, NOW())
        ON CONFLICT (number) DO UPDATE SET
            title = excluded.title,
            body = excluded.body,
            draft = excluded.draft,
            status = excluded.status,
            reviewers = excluded.reviewers,
            reviews = excluded.reviews,
            tracked_members = excluded.tracked_members,
            external_message_id = excluded.external_message_id,
            external_thread_id = excluded.external_thread_id,
            updated_at = NOW()
    `

	createdAt := state.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = r.pool.Exec(ctx, query,
		state.Number, state.Owner, state.Repo, state.Title, state.Body, state.Author,
		state.BaseBranch, state.HeadBranch, state.URL, state.Draft, string(state.Status),
		reviewers, reviews, members,
		state.ExternalMessageID, state.ExternalThreadID,
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save PR state: %w", err)
	}
	return nil
}

// GetPRState читает теневую запись PR по номеру.
// Отсутствие записи — не ошибка: возвращается (nil, nil)
func (r *Repository) GetPRState(ctx context.Context, number int) (*models.PRState, error) {
	query := `
        SELECT number, owner, repo, title, body, author,
               base_branch, head_branch, url, draft, status,
               reviewers, reviews, tracked_members,
               external_message_id, external_thread_id,
               created_at, updated_at
        FROM pr_states
        WHERE number = $1
    `

	var (
		state                       models.PRState
		status                      string
		reviewers, reviews, members []byte
	)
	err := r.pool.QueryRow(ctx, query, number).Scan(
		&state.Number, &state.Owner, &state.Repo, &state.Title, &state.Body, &state.Author,
		&state.BaseBranch, &state.HeadBranch, &state.URL, &state.Draft, &status,
		&reviewers, &reviews, &members,
		&state.ExternalMessageID, &state.ExternalThreadID,
		&state.CreatedAt, &state.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get PR state: %w", err)
	}

	state.Status = models.Status(status)
	if err := unmarshalSets(&state, reviewers, reviews, members); err != nil {
		return nil, err
	}
	return &state, nil
}

// DeletePRState удаляет теневую запись PR; отсутствие записи — не ошибка
func (r *Repository) DeletePRState(ctx context.Context, number int) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM pr_states WHERE number = $1`, number); err != nil {
		return fmt.Errorf("failed to delete PR state: %w", err)
	}
	return nil
}

// GetAllPRStates возвращает все теневые записи
func (r *Repository) GetAllPRStates(ctx context.Context) ([]*models.PRState, error) {
	query := `
        SELECT number, owner, repo, title, body, author,
               base_branch, head_branch, url, draft, status,
               reviewers, reviews, tracked_members,
               external_message_id, external_thread_id,
               created_at, updated_at
        FROM pr_states
        ORDER BY number
    `
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list PR states: %w", err)
	}
	defer rows.Close()

	var states []*models.PRState
	for rows.Next() {
		var (
			state                       models.PRState
			status                      string
			reviewers, reviews, members []byte
		)
		if err := rows.Scan(
			&state.Number, &state.Owner, &state.Repo, &state.Title, &state.Body, &state.Author,
			&state.BaseBranch, &state.HeadBranch, &state.URL, &state.Draft, &status,
			&reviewers, &reviews, &members,
			&state.ExternalMessageID, &state.ExternalThreadID,
			&state.CreatedAt, &state.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan PR state: %w", err)
		}
		state.Status = models.Status(status)
		if err := unmarshalSets(&state, reviewers, reviews, members); err != nil {
			return nil, err
		}
		states = append(states, &state)
	}
	return states, rows.Err()
}

// GetPRNumberByExternalMessageID — обратный индекс: номер PR по ID
// сообщения в чате. Отсутствие записи — (0, nil)
func (r *Repository) GetPRNumberByExternalMessageID(ctx context.Context, messageID string) (int, error) {
	var number int
	err := r.pool.QueryRow(ctx,
		`SELECT number FROM pr_states WHERE external_message_id = $1`, messageID,
	).Scan(&number)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to resolve PR by message id: %w", err)
	}
	return number, nil
}

func marshalSets(state *models.PRState) (reviewers, reviews, members []byte, err error) {
	if reviewers, err = json.Marshal(emptyIfNil(state.Reviewers)); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal reviewers: %w", err)
	}
	rs := state.Reviews
	if rs == nil {
		rs = []models.Review{}
	}
	if reviews, err = json.Marshal(rs); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal reviews: %w", err)
	}
	if members, err = json.Marshal(emptyIfNil(state.TrackedThreadMembers)); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal tracked members: %w", err)
	}
	return reviewers, reviews, members, nil
}

func unmarshalSets(state *models.PRState, reviewers, reviews, members []byte) error {
	if err := json.Unmarshal(reviewers, &state.Reviewers); err != nil {
		return fmt.Errorf("failed to unmarshal reviewers: %w", err)
	}
	if err := json.Unmarshal(reviews, &state.Reviews); err != nil {
		return fmt.Errorf("failed to unmarshal reviews: %w", err)
	}
	if err := json.Unmarshal(members, &state.TrackedThreadMembers); err != nil {
		return fmt.Errorf("failed to unmarshal tracked members: %w", err)
	}
	return nil
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
