package channels

import (
	"context"
	"errors"

	"github.com/pbrebner/dm-api/internal/apperrors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opListMessages  = "channels.list_messages"
	opCreateMessage = "channels.create_message"
	opGetMessage    = "channels.get_message"
	opUpdateMessage = "channels.update_message"
	opDeleteMessage = "channels.delete_message"
)

// MessageInput is a new post.
type MessageInput struct {
	Content      string
	InResponseTo string
}

type messageRequest struct {
	Content string `validate:"min=1,max=280"`
}

// MessageUpdate changes a message. Any member may set likes; only the author may edit content.
type MessageUpdate struct {
	Content *string
	Likes   *int
}

// ListMessages returns a channel's messages oldest first.
func (s *Service) ListMessages(ctx context.Context, userID, channelID string) ([]Message, error) {
	if _, err := s.loadForMember(ctx, opListMessages, userID, channelID); err != nil {
		return nil, err
	}
	var messages []Message
	err := s.db.WithContext(ctx).
		Where("channel_id = ?", channelID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&messages).
		Error
	if err != nil {
		s.logError(opListMessages, "query_failed", err, zap.String("channel_id", channelID))
		return nil, apperrors.New(opListMessages, "query_failed", apperrors.ErrUnavailable, err)
	}
	return messages, nil
}

// CreateMessage posts sanitized content to a channel the user belongs to.
func (s *Service) CreateMessage(ctx context.Context, userID, channelID string, input MessageInput) (Message, error) {
	channel, err := s.loadForMember(ctx, opCreateMessage, userID, channelID)
	if err != nil {
		return Message{}, err
	}
	content := sanitizeText(input.Content)
	if err := validate.Struct(messageRequest{Content: content}); err != nil {
		return Message{}, apperrors.New(opCreateMessage, "invalid_content", apperrors.ErrInvalidInput, err)
	}

	var inResponseTo *string
	if parentID := normalize(input.InResponseTo); parentID != "" {
		if _, err := s.findMessage(ctx, opCreateMessage, channel.ID, parentID); err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				return Message{}, apperrors.New(opCreateMessage, "parent_not_found", apperrors.ErrInvalidInput, nil)
			}
			return Message{}, err
		}
		inResponseTo = &parentID
	}

	messageID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateMessage, "id_generation_failed", err)
		return Message{}, apperrors.New(opCreateMessage, "id_generation_failed", apperrors.ErrUnavailable, err)
	}
	now := s.clock().UTC()
	message := Message{
		ID:           messageID,
		ChannelID:    channel.ID,
		UserID:       userID,
		Content:      content,
		InResponseTo: inResponseTo,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&message).Error; err != nil {
			return err
		}
		return tx.Model(&Channel{}).Where("id = ?", channel.ID).Update("updated_at", now).Error
	})
	if err != nil {
		s.logError(opCreateMessage, "insert_failed", err, zap.String("user_id", userID), zap.String("channel_id", channelID))
		return Message{}, apperrors.New(opCreateMessage, "insert_failed", apperrors.ErrUnavailable, err)
	}
	return message, nil
}

// GetMessage returns one message of a channel the user belongs to.
func (s *Service) GetMessage(ctx context.Context, userID, channelID, messageID string) (Message, error) {
	if _, err := s.loadForMember(ctx, opGetMessage, userID, channelID); err != nil {
		return Message{}, err
	}
	return s.findMessage(ctx, opGetMessage, channelID, messageID)
}

// UpdateMessage applies likes and, for the author, content changes.
func (s *Service) UpdateMessage(ctx context.Context, userID, channelID, messageID string, update MessageUpdate) (Message, error) {
	if _, err := s.loadForMember(ctx, opUpdateMessage, userID, channelID); err != nil {
		return Message{}, err
	}
	message, err := s.findMessage(ctx, opUpdateMessage, channelID, messageID)
	if err != nil {
		return Message{}, err
	}

	updates := map[string]interface{}{}
	if update.Likes != nil {
		if *update.Likes < 0 {
			return Message{}, apperrors.New(opUpdateMessage, "invalid_likes", apperrors.ErrInvalidInput, nil)
		}
		updates["likes"] = *update.Likes
		message.Likes = *update.Likes
	}
	if update.Content != nil {
		if message.UserID != userID {
			return Message{}, apperrors.New(opUpdateMessage, "not_author", apperrors.ErrForbidden, nil)
		}
		content := sanitizeText(*update.Content)
		if err := validate.Struct(messageRequest{Content: content}); err != nil {
			return Message{}, apperrors.New(opUpdateMessage, "invalid_content", apperrors.ErrInvalidInput, err)
		}
		updates["content"] = content
		message.Content = content
	}
	if len(updates) == 0 {
		return Message{}, apperrors.New(opUpdateMessage, "empty_update", apperrors.ErrInvalidInput, nil)
	}
	now := s.clock().UTC()
	updates["updated_at"] = now
	message.UpdatedAt = now

	if err := s.db.WithContext(ctx).Model(&Message{}).Where("id = ?", message.ID).Updates(updates).Error; err != nil {
		s.logError(opUpdateMessage, "update_failed", err, zap.String("message_id", messageID))
		return Message{}, apperrors.New(opUpdateMessage, "update_failed", apperrors.ErrUnavailable, err)
	}
	return message, nil
}

// DeleteMessage removes a message. Only its author may delete it.
func (s *Service) DeleteMessage(ctx context.Context, userID, channelID, messageID string) (Message, error) {
	if _, err := s.loadForMember(ctx, opDeleteMessage, userID, channelID); err != nil {
		return Message{}, err
	}
	message, err := s.findMessage(ctx, opDeleteMessage, channelID, messageID)
	if err != nil {
		return Message{}, err
	}
	if message.UserID != userID {
		return Message{}, apperrors.New(opDeleteMessage, "not_author", apperrors.ErrForbidden, nil)
	}
	if err := s.db.WithContext(ctx).Where("id = ?", message.ID).Delete(&Message{}).Error; err != nil {
		s.logError(opDeleteMessage, "delete_failed", err, zap.String("message_id", messageID))
		return Message{}, apperrors.New(opDeleteMessage, "delete_failed", apperrors.ErrUnavailable, err)
	}
	return message, nil
}

func (s *Service) findMessage(ctx context.Context, operation, channelID, messageID string) (Message, error) {
	var message Message
	err := s.db.WithContext(ctx).
		Where("id = ? AND channel_id = ?", normalize(messageID), normalize(channelID)).
		First(&message).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Message{}, apperrors.New(operation, "message_not_found", apperrors.ErrNotFound, nil)
	}
	if err != nil {
		s.logError(operation, "query_failed", err, zap.String("message_id", messageID))
		return Message{}, apperrors.New(operation, "query_failed", apperrors.ErrUnavailable, err)
	}
	return message, nil
}
