package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/untibullet/pr-relay/internal/identity"
	"github.com/untibullet/pr-relay/internal/models"
	"github.com/untibullet/pr-relay/internal/planner"
	"github.com/untibullet/pr-relay/internal/render"
	"go.uber.org/zap"
)

const testChannel = "channel-1"

// memStore — хранилище в памяти для тестов движка. Хранит и отдает
// глубокие копии, как это делала бы настоящая база.
type memStore struct {
	mu     sync.Mutex
	states map[int]*models.PRState
}

func newMemStore() *memStore {
	return &memStore{states: make(map[int]*models.PRState)}
}

func (m *memStore) SavePRState(_ context.Context, state *models.PRState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.Number] = state.Clone()
	return nil
}

func (m *memStore) GetPRState(_ context.Context, number int) (*models.PRState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[number]
	if !ok {
		return nil, nil
	}
	return state.Clone(), nil
}

func (m *memStore) DeletePRState(_ context.Context, number int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, number)
	return nil
}

func (m *memStore) GetAllPRStates(_ context.Context) ([]*models.PRState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.PRState
	for _, s := range m.states {
		out = append(out, s.Clone())
	}
	return out, nil
}

func (m *memStore) GetPRNumberByExternalMessageID(_ context.Context, messageID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.states {
		if s.ExternalMessageID == messageID {
			return s.Number, nil
		}
	}
	return 0, nil
}

// fakeNotifier записывает исходящие мутации и эмулирует состояние чата:
// множество реакций, состав треда, блокировку
type fakeNotifier struct {
	mu sync.Mutex

	sendDelay  time.Duration
	failSend   bool
	failThread bool

	sendCount   int
	threadCount int
	editCount   int

	lastContent string
	reactions   map[string]bool
	members     map[string]bool
	threadTexts []string
	locked      bool

	nextID int
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{
		reactions: make(map[string]bool),
		members:   make(map[string]bool),
	}
}

func (f *fakeNotifier) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

func (f *fakeNotifier) SendMessage(_ context.Context, _, content string) (string, error) {
	if f.sendDelay > 0 {
		time.Sleep(f.sendDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend {
		return "", errors.New("send failure")
	}
	f.sendCount++
	f.lastContent = content
	return f.id("msg"), nil
}

func (f *fakeNotifier) EditMessage(_ context.Context, _, _, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.editCount++
	f.lastContent = content
	return nil
}

func (f *fakeNotifier) AddReaction(_ context.Context, _, _, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions[emoji] = true
	return nil
}

// RemoveReaction — снятие отсутствующей реакции не ошибка, по контракту
func (f *fakeNotifier) RemoveReaction(_ context.Context, _, _, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.reactions, emoji)
	return nil
}

func (f *fakeNotifier) CreateThread(_ context.Context, _, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failThread {
		return "", errors.New("thread failure")
	}
	f.threadCount++
	return f.id("thread"), nil
}

func (f *fakeNotifier) SendThreadMessage(_ context.Context, _, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threadTexts = append(f.threadTexts, text)
	return f.id("tmsg"), nil
}

func (f *fakeNotifier) AddThreadMember(_ context.Context, _, identityID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[identityID] = true
	return nil
}

func (f *fakeNotifier) RemoveThreadMember(_ context.Context, _, identityID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.members, identityID)
	return nil
}

func (f *fakeNotifier) LockThread(_ context.Context, _ string, locked bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locked = locked
	return nil
}

func newTestEngine(t *testing.T) (*Engine, *memStore, *fakeNotifier) {
	t.Helper()
	store := newMemStore()
	notifier := newFakeNotifier()
	ids := identity.NewMapper(map[string]string{
		"alice":  "111",
		"bob":    "222",
		"author": "999",
	})
	eng := New(store, notifier, render.New(ids), ids, testChannel, zap.NewNop())
	return eng, store, notifier
}

func openInfo(number int) models.PullRequestInfo {
	return models.PullRequestInfo{
		Number:     number,
		Owner:      "acme",
		Repo:       "widgets",
		Title:      "Add widgets",
		Author:     "author",
		BaseBranch: "main",
		HeadBranch: "feature/widgets",
		URL:        fmt.Sprintf("https://example.test/acme/widgets/pull/%d", number),
		State:      "open",
	}
}

func review(reviewer string, verdict models.Verdict, id int64) models.Review {
	return models.Review{Reviewer: reviewer, Verdict: verdict, ReviewID: id, SubmittedAt: time.Now()}
}

func TestOpenCreatesShadowRepresentation(t *testing.T) {
	eng, store, notifier := newTestEngine(t)
	ctx := context.Background()

	err := eng.HandleEvent(ctx, models.EventOpened{PR: openInfo(7), Reviewers: []string{"alice"}})
	require.NoError(t, err)

	state, err := store.GetPRState(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, state)

	assert.Equal(t, models.StatusReadyForReview, state.Status)
	assert.Equal(t, []string{"alice"}, state.Reviewers)
	assert.NotEmpty(t, state.ExternalMessageID)
	assert.NotEmpty(t, state.ExternalThreadID)
	assert.Equal(t, []string{"111"}, state.TrackedThreadMembers)

	assert.Equal(t, 1, notifier.sendCount)
	assert.Equal(t, 1, notifier.threadCount)
	assert.Len(t, notifier.threadTexts, 1, "вводное сообщение треда")
}

func TestConcurrentOpenCreatesExactlyOnce(t *testing.T) {
	eng, store, notifier := newTestEngine(t)
	notifier.sendDelay = 30 * time.Millisecond
	ctx := context.Background()

	event := models.EventOpened{PR: openInfo(8)}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = eng.HandleEvent(ctx, event)
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	assert.Equal(t, 1, notifier.sendCount, "ровно одно сообщение")
	assert.Equal(t, 1, notifier.threadCount, "ровно один тред")

	state, err := store.GetPRState(ctx, 8)
	require.NoError(t, err)
	require.NotNil(t, state)
}

func TestRetroactiveMaterializationIsIdempotent(t *testing.T) {
	eng, store, notifier := newTestEngine(t)
	ctx := context.Background()

	event := models.EventReviewerRequested{PR: openInfo(9), Reviewer: "bob"}

	// Первый раз: PR никогда не виден — синтезируется путь создания,
	// поверх применяется само событие
	require.NoError(t, eng.HandleEvent(ctx, event))

	state, err := store.GetPRState(ctx, 9)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, []string{"bob"}, state.Reviewers)
	assert.Equal(t, 1, notifier.sendCount)

	// Второй раз: состояние уже есть — второго создания нет,
	// состав ревьюеров не меняется
	require.NoError(t, eng.HandleEvent(ctx, event))

	state, err = store.GetPRState(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, state.Reviewers)
	assert.Equal(t, 1, notifier.sendCount)
	assert.Equal(t, 1, notifier.threadCount)
}

func TestTerminalResurrectionGuard(t *testing.T) {
	eng, store, notifier := newTestEngine(t)
	ctx := context.Background()

	info := openInfo(10)
	info.State = "closed"
	info.Merged = true

	err := eng.HandleEvent(ctx, models.EventReviewSubmitted{
		PR:     info,
		Review: review("alice", models.VerdictApproved, 1),
	})
	require.NoError(t, err)

	state, err := store.GetPRState(ctx, 10)
	require.NoError(t, err)
	assert.Nil(t, state, "мертвый PR не материализуется")
	assert.Equal(t, 0, notifier.sendCount)
	assert.Equal(t, 0, notifier.editCount)
}

func TestReviewReplacementInvariant(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.HandleEvent(ctx, models.EventOpened{PR: openInfo(11)}))

	require.NoError(t, eng.HandleEvent(ctx, models.EventReviewSubmitted{
		PR: openInfo(11), Review: review("alice", models.VerdictChangesRequested, 1),
	}))
	require.NoError(t, eng.HandleEvent(ctx, models.EventReviewSubmitted{
		PR: openInfo(11), Review: review("alice", models.VerdictApproved, 2),
	}))

	state, err := store.GetPRState(ctx, 11)
	require.NoError(t, err)
	require.Len(t, state.Reviews, 1, "не более одного живого ревью на ревьюера")
	assert.Equal(t, models.VerdictApproved, state.Reviews[0].Verdict)
	assert.Equal(t, models.StatusApproved, state.Status)
}

func TestReviewerRemovalPreservesReviewHistory(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.HandleEvent(ctx, models.EventOpened{PR: openInfo(12), Reviewers: []string{"alice"}}))
	require.NoError(t, eng.HandleEvent(ctx, models.EventReviewSubmitted{
		PR: openInfo(12), Review: review("alice", models.VerdictApproved, 1),
	}))

	// Отзыв запроса у уже отревьюившего игнорируется
	require.NoError(t, eng.HandleEvent(ctx, models.EventReviewerRequestRemoved{PR: openInfo(12), Reviewer: "alice"}))

	state, err := store.GetPRState(ctx, 12)
	require.NoError(t, err)
	assert.True(t, state.HasReviewer("alice"))
	assert.Len(t, state.Reviews, 1)
}

func TestSelfAssignmentOnUnsolicitedReview(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.HandleEvent(ctx, models.EventOpened{PR: openInfo(13)}))
	require.NoError(t, eng.HandleEvent(ctx, models.EventReviewSubmitted{
		PR: openInfo(13), Review: review("bob", models.VerdictCommented, 1),
	}))

	state, err := store.GetPRState(ctx, 13)
	require.NoError(t, err)
	assert.True(t, state.HasReviewer("bob"), "молчаливое самоназначение")
}

func TestCreationFailureLeavesNoStateAndReleasesClaim(t *testing.T) {
	eng, store, notifier := newTestEngine(t)
	ctx := context.Background()

	notifier.failSend = true
	err := eng.HandleEvent(ctx, models.EventOpened{PR: openInfo(14)})
	require.Error(t, err)

	state, err := store.GetPRState(ctx, 14)
	require.NoError(t, err)
	assert.Nil(t, state, "никакого частичного состояния")

	// Клейм освобожден: повторная попытка создает заново
	notifier.mu.Lock()
	notifier.failSend = false
	notifier.mu.Unlock()

	require.NoError(t, eng.HandleEvent(ctx, models.EventOpened{PR: openInfo(14)}))
	state, err = store.GetPRState(ctx, 14)
	require.NoError(t, err)
	require.NotNil(t, state)
}

func TestThreadCreationFailureLeavesNoState(t *testing.T) {
	eng, store, notifier := newTestEngine(t)
	ctx := context.Background()

	notifier.failThread = true
	err := eng.HandleEvent(ctx, models.EventOpened{PR: openInfo(15)})
	require.Error(t, err)

	// Сообщение без треда не сохраняется никогда
	state, err := store.GetPRState(ctx, 15)
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestMaterializationRequiresIdentityData(t *testing.T) {
	eng, _, notifier := newTestEngine(t)
	ctx := context.Background()

	info := openInfo(16)
	info.Author = ""

	err := eng.HandleEvent(ctx, models.EventReviewerRequested{PR: info, Reviewer: "bob"})
	require.ErrorIs(t, err, ErrMissingIdentity)
	assert.Equal(t, 0, notifier.sendCount)
}

func TestMaterializationRequiresTitle(t *testing.T) {
	eng, store, notifier := newTestEngine(t)
	ctx := context.Background()

	info := openInfo(21)
	info.Title = ""

	err := eng.HandleEvent(ctx, models.EventReviewerRequested{PR: info, Reviewer: "bob"})
	require.ErrorIs(t, err, ErrMissingIdentity)

	state, err := store.GetPRState(ctx, 21)
	require.NoError(t, err)
	assert.Nil(t, state, "безымянный PR не материализуется")
	assert.Equal(t, 0, notifier.sendCount)
}

func TestCloseEvictsOnlyTrackedMembers(t *testing.T) {
	eng, store, notifier := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.HandleEvent(ctx, models.EventOpened{PR: openInfo(22), Reviewers: []string{"alice"}}))

	// Участник, пришедший в тред сам, не отслеживается и не выводится
	notifier.mu.Lock()
	notifier.members["777"] = true
	notifier.mu.Unlock()

	require.NoError(t, eng.HandleEvent(ctx, models.EventClosed{PR: openInfo(22), ClosedBy: "author"}))

	state, _ := store.GetPRState(ctx, 22)
	assert.Empty(t, state.TrackedThreadMembers)
	assert.False(t, notifier.members["111"], "alice выведена из треда")
	assert.True(t, notifier.members["777"], "добровольный участник остается")
}

func TestReopenedRecomputesStatusFromReviews(t *testing.T) {
	eng, store, notifier := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.HandleEvent(ctx, models.EventOpened{PR: openInfo(17)}))
	require.NoError(t, eng.HandleEvent(ctx, models.EventReviewSubmitted{
		PR: openInfo(17), Review: review("alice", models.VerdictApproved, 1),
	}))
	require.NoError(t, eng.HandleEvent(ctx, models.EventClosed{PR: openInfo(17), ClosedBy: "author"}))

	state, _ := store.GetPRState(ctx, 17)
	require.Equal(t, models.StatusClosed, state.Status)
	assert.True(t, notifier.locked)

	// Ранее одобренный PR переоткрывается как approved, не ready_for_review
	require.NoError(t, eng.HandleEvent(ctx, models.EventReopened{PR: openInfo(17)}))

	state, _ = store.GetPRState(ctx, 17)
	assert.Equal(t, models.StatusApproved, state.Status)
	assert.False(t, notifier.locked)
	assert.True(t, notifier.reactions[planner.ReactionApproved])
	assert.False(t, notifier.reactions[planner.ReactionClosed])
}

func TestMergedPRIsNeverReopened(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.HandleEvent(ctx, models.EventOpened{PR: openInfo(18)}))
	require.NoError(t, eng.HandleEvent(ctx, models.EventClosed{PR: openInfo(18), ClosedBy: "author", Merged: true}))

	require.NoError(t, eng.HandleEvent(ctx, models.EventReopened{PR: openInfo(18)}))

	state, _ := store.GetPRState(ctx, 18)
	assert.Equal(t, models.StatusMerged, state.Status)
}

func TestDraftToggleRecomputesStatus(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	ctx := context.Background()

	info := openInfo(19)
	info.Draft = true
	require.NoError(t, eng.HandleEvent(ctx, models.EventOpened{PR: info}))

	state, _ := store.GetPRState(ctx, 19)
	require.Equal(t, models.StatusDraft, state.Status)

	ready := openInfo(19)
	require.NoError(t, eng.HandleEvent(ctx, models.EventEdited{PR: ready}))

	state, _ = store.GetPRState(ctx, 19)
	assert.Equal(t, models.StatusReadyForReview, state.Status)
}

// Сквозной сценарий из жизни PR #42
func TestEndToEndScenario(t *testing.T) {
	eng, store, notifier := newTestEngine(t)
	ctx := context.Background()

	pr := openInfo(42)

	// Открытие с двумя ревьюерами
	require.NoError(t, eng.HandleEvent(ctx, models.EventOpened{PR: pr, Reviewers: []string{"alice", "bob"}}))

	state, _ := store.GetPRState(ctx, 42)
	require.NotNil(t, state)
	assert.Equal(t, models.StatusReadyForReview, state.Status)
	assert.Equal(t, 1, notifier.sendCount)
	assert.Equal(t, 1, notifier.threadCount)

	// A запрашивает изменения
	require.NoError(t, eng.HandleEvent(ctx, models.EventReviewSubmitted{
		PR: pr, Review: review("alice", models.VerdictChangesRequested, 1),
	}))
	state, _ = store.GetPRState(ctx, 42)
	assert.Equal(t, models.StatusChangesRequested, state.Status)
	assert.True(t, notifier.reactions[planner.ReactionChangesRequested])
	assert.False(t, notifier.reactions[planner.ReactionApproved])

	// B одобряет — возражение A все еще живо
	require.NoError(t, eng.HandleEvent(ctx, models.EventReviewSubmitted{
		PR: pr, Review: review("bob", models.VerdictApproved, 2),
	}))
	state, _ = store.GetPRState(ctx, 42)
	assert.Equal(t, models.StatusChangesRequested, state.Status)

	// A заменяет свое ревью апрувом
	require.NoError(t, eng.HandleEvent(ctx, models.EventReviewSubmitted{
		PR: pr, Review: review("alice", models.VerdictApproved, 3),
	}))
	state, _ = store.GetPRState(ctx, 42)
	assert.Equal(t, models.StatusApproved, state.Status)
	assert.True(t, notifier.reactions[planner.ReactionApproved])
	assert.False(t, notifier.reactions[planner.ReactionChangesRequested])

	// Мерж: терминальная реакция, тред заблокирован, участники выведены
	require.NoError(t, eng.HandleEvent(ctx, models.EventClosed{PR: pr, ClosedBy: "merger", Merged: true}))

	state, _ = store.GetPRState(ctx, 42)
	assert.Equal(t, models.StatusMerged, state.Status)
	assert.True(t, notifier.reactions[planner.ReactionMerged])
	assert.False(t, notifier.reactions[planner.ReactionApproved])
	assert.False(t, notifier.reactions[planner.ReactionChangesRequested])
	assert.True(t, notifier.locked)
	assert.False(t, notifier.members["111"], "alice выведена из треда")
	assert.False(t, notifier.members["222"], "bob выведен из треда")
	assert.Empty(t, state.TrackedThreadMembers)
}
