// chat/discord.go
package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/bwmarrin/discordgo"
)

// Тред автоархивируется за сутки неактивности; Discord все равно
// поднимает его обратно при новом сообщении
const threadAutoArchiveMinutes = 1440

// DiscordNotifier реализует Notifier поверх Discord REST API
type DiscordNotifier struct {
	session *discordgo.Session
}

// NewDiscordNotifier создает адаптер поверх открытой сессии discordgo
func NewDiscordNotifier(session *discordgo.Session) *DiscordNotifier {
	return &DiscordNotifier{session: session}
}

func (d *DiscordNotifier) SendMessage(ctx context.Context, channelID, content string) (string, error) {
	msg, err := d.session.ChannelMessageSend(channelID, content, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	return msg.ID, nil
}

func (d *DiscordNotifier) EditMessage(ctx context.Context, channelID, messageID, content string) error {
	if _, err := d.session.ChannelMessageEdit(channelID, messageID, content, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to edit message: %w", err)
	}
	return nil
}

func (d *DiscordNotifier) AddReaction(ctx context.Context, channelID, messageID, emoji string) error {
	if err := d.session.MessageReactionAdd(channelID, messageID, emoji, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to add reaction %s: %w", emoji, err)
	}
	return nil
}

// RemoveReaction снимает реакцию бота. Снятие реакции, которой нет,
// Discord отвечает 404 — по контракту Notifier это успешный no-op
func (d *DiscordNotifier) RemoveReaction(ctx context.Context, channelID, messageID, emoji string) error {
	err := d.session.MessageReactionRemove(channelID, messageID, emoji, "@me", discordgo.WithContext(ctx))
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to remove reaction %s: %w", emoji, err)
	}
	return nil
}

func (d *DiscordNotifier) CreateThread(ctx context.Context, channelID, messageID, name string) (string, error) {
	thread, err := d.session.MessageThreadStartComplex(channelID, messageID, &discordgo.ThreadStart{
		Name:                name,
		AutoArchiveDuration: threadAutoArchiveMinutes,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("failed to create thread: %w", err)
	}
	return thread.ID, nil
}

func (d *DiscordNotifier) SendThreadMessage(ctx context.Context, threadID, text string) (string, error) {
	msg, err := d.session.ChannelMessageSend(threadID, text, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("failed to send thread message: %w", err)
	}
	return msg.ID, nil
}

func (d *DiscordNotifier) AddThreadMember(ctx context.Context, threadID, identity string) error {
	if err := d.session.ThreadMemberAdd(threadID, identity, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to add thread member %s: %w", identity, err)
	}
	return nil
}

// RemoveThreadMember удаляет участника из треда; отсутствие участника
// в треде считается успешным результатом
func (d *DiscordNotifier) RemoveThreadMember(ctx context.Context, threadID, identity string) error {
	err := d.session.ThreadMemberRemove(threadID, identity, discordgo.WithContext(ctx))
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to remove thread member %s: %w", identity, err)
	}
	return nil
}

func (d *DiscordNotifier) LockThread(ctx context.Context, threadID string, locked bool) error {
	_, err := d.session.ChannelEditComplex(threadID, &discordgo.ChannelEdit{
		Locked:   &locked,
		Archived: &locked,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to set thread lock=%t: %w", locked, err)
	}
	return nil
}

// isNotFound распознает 404-ответы Discord REST API
func isNotFound(err error) bool {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		return restErr.Response.StatusCode == http.StatusNotFound
	}
	return false
}
