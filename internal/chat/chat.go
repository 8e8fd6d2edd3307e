// chat/chat.go
package chat

import "context"

// Notifier — контракт исходящих мутаций чата, которым пользуется движок
// реконсиляции. Все операции идемпотентны относительно целевого
// состояния: повторное применение того же плана не ломает ничего.
type Notifier interface {
	// SendMessage отправляет сообщение в канал, возвращает его ID
	SendMessage(ctx context.Context, channelID, content string) (string, error)
	// EditMessage заменяет содержимое сообщения целиком
	EditMessage(ctx context.Context, channelID, messageID, content string) error

	// AddReaction ставит реакцию; повторная установка — no-op
	AddReaction(ctx context.Context, channelID, messageID, emoji string) error
	// RemoveReaction снимает реакцию; снятие отсутствующей — no-op,
	// реализация обязана не возвращать ошибку в этом случае
	RemoveReaction(ctx context.Context, channelID, messageID, emoji string) error

	// CreateThread создает тред от сообщения, возвращает ID треда
	CreateThread(ctx context.Context, channelID, messageID, name string) (string, error)
	// SendThreadMessage отправляет сообщение в тред
	SendThreadMessage(ctx context.Context, threadID, text string) (string, error)

	// AddThreadMember добавляет участника в тред (best-effort у вызывающего)
	AddThreadMember(ctx context.Context, threadID, identity string) error
	// RemoveThreadMember удаляет участника из треда (best-effort у вызывающего)
	RemoveThreadMember(ctx context.Context, threadID, identity string) error

	// LockThread блокирует или разблокирует тред
	LockThread(ctx context.Context, threadID string, locked bool) error
}
