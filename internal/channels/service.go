package channels

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pbrebner/dm-api/internal/apperrors"
	"github.com/pbrebner/dm-api/internal/ids"
	"github.com/pbrebner/dm-api/internal/realtime"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingFriends    = errors.New("friend directory is required")
	noOpLogger           = zap.NewNop()

	validate = validator.New()
)

const (
	opServiceNew = "channels.service.new"
	opCreate     = "channels.create"
	opGet        = "channels.get"
	opList       = "channels.list"
	opUpdate     = "channels.update"
	opDelete     = "channels.delete"
	opCanJoin    = "channels.can_join"
)

// FriendDirectory answers who a user's confirmed friends are.
type FriendDirectory interface {
	FriendsOf(ctx context.Context, userID string) ([]string, error)
}

// CreateInput is a channel creation request. UserIDs lists the other participants.
type CreateInput struct {
	Title   string
	UserIDs []string
}

type createRequest struct {
	Title   string   `validate:"max=30"`
	UserIDs []string `validate:"min=1,max=5,dive,required"`
}

// UpdateInput changes a channel's title and toggles at most one member.
type UpdateInput struct {
	Title  *string
	UserID string
}

// UpdateResult reports the channel after an update and which member, if any, was added or removed.
type UpdateResult struct {
	Channel Channel
	Added   string
	Removed string
}

// ServiceConfig describes the dependencies of the channel service.
type ServiceConfig struct {
	Database   *gorm.DB
	IDProvider ids.Provider
	Friends    FriendDirectory
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service stores channels, their members and their messages.
type Service struct {
	db         *gorm.DB
	idProvider ids.Provider
	friends    FriendDirectory
	clock      func() time.Time
	logger     *zap.Logger
}

// NewService constructs the channel service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, apperrors.New(opServiceNew, "missing_database", apperrors.ErrMissingConfig, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, apperrors.New(opServiceNew, "missing_id_provider", apperrors.ErrMissingConfig, errMissingIDProvider)
	}
	if cfg.Friends == nil {
		return nil, apperrors.New(opServiceNew, "missing_friend_directory", apperrors.ErrMissingConfig, errMissingFriends)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		idProvider: cfg.IDProvider,
		friends:    cfg.Friends,
		clock:      clock,
		logger:     logger,
	}, nil
}

// Create opens a channel between the creator and 1 to 5 friends. When a channel with
// exactly the same member set already exists it is returned instead and created is false.
func (s *Service) Create(ctx context.Context, creatorID string, input CreateInput) (Channel, bool, error) {
	others := lo.Without(lo.Uniq(lo.Map(input.UserIDs, func(id string, _ int) string {
		return normalize(id)
	})), creatorID)
	request := createRequest{Title: sanitizeText(input.Title), UserIDs: others}
	if err := validate.Struct(request); err != nil {
		return Channel{}, false, apperrors.New(opCreate, "invalid_input", apperrors.ErrInvalidInput, err)
	}

	if err := s.requireFriends(ctx, opCreate, creatorID, others); err != nil {
		return Channel{}, false, err
	}

	memberIDs := sortedCopy(append(others, creatorID))
	existing, found, err := s.findByMembers(ctx, memberIDs)
	if err != nil {
		s.logError(opCreate, "lookup_failed", err, zap.String("user_id", creatorID))
		return Channel{}, false, apperrors.New(opCreate, "lookup_failed", apperrors.ErrUnavailable, err)
	}
	if found {
		return existing, false, nil
	}

	channelID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err)
		return Channel{}, false, apperrors.New(opCreate, "id_generation_failed", apperrors.ErrUnavailable, err)
	}
	now := s.clock().UTC()
	channel := Channel{ID: channelID, Title: request.Title, CreatedAt: now, UpdatedAt: now}
	channel.Members = lo.Map(memberIDs, func(userID string, _ int) ChannelMember {
		return ChannelMember{ChannelID: channelID, UserID: userID, CreatedAt: now}
	})

	if err := s.db.WithContext(ctx).Create(&channel).Error; err != nil {
		s.logError(opCreate, "insert_failed", err, zap.String("user_id", creatorID))
		return Channel{}, false, apperrors.New(opCreate, "insert_failed", apperrors.ErrUnavailable, err)
	}
	return channel, true, nil
}

// Get returns a channel the user belongs to.
func (s *Service) Get(ctx context.Context, userID, channelID string) (Channel, error) {
	return s.loadForMember(ctx, opGet, userID, channelID)
}

// List returns the user's channels, most recently active first.
func (s *Service) List(ctx context.Context, userID string) ([]Channel, error) {
	var channels []Channel
	err := s.db.WithContext(ctx).
		Preload("Members").
		Where("id IN (?)", s.db.Model(&ChannelMember{}).Select("channel_id").Where("user_id = ?", userID)).
		Order("updated_at DESC").
		Order("id ASC").
		Find(&channels).
		Error
	if err != nil {
		s.logError(opList, "query_failed", err, zap.String("user_id", userID))
		return nil, apperrors.New(opList, "query_failed", apperrors.ErrUnavailable, err)
	}
	return channels, nil
}

// Update changes the title and toggles one member: present users are removed and absent
// friends of the caller are added. The resulting member count must stay within bounds.
func (s *Service) Update(ctx context.Context, userID, channelID string, input UpdateInput) (UpdateResult, error) {
	channel, err := s.loadForMember(ctx, opUpdate, userID, channelID)
	if err != nil {
		return UpdateResult{}, err
	}

	result := UpdateResult{}
	updates := map[string]interface{}{"updated_at": s.clock().UTC()}
	if input.Title != nil {
		title := sanitizeText(*input.Title)
		if err := validate.Var(title, "max=30"); err != nil {
			return UpdateResult{}, apperrors.New(opUpdate, "invalid_title", apperrors.ErrInvalidInput, err)
		}
		updates["title"] = title
	}

	toggled := normalize(input.UserID)
	memberIDs := channel.MemberIDs()
	if toggled != "" {
		if channel.HasMember(toggled) {
			memberIDs = lo.Without(memberIDs, toggled)
			result.Removed = toggled
		} else {
			if err := s.requireFriends(ctx, opUpdate, userID, []string{toggled}); err != nil {
				return UpdateResult{}, err
			}
			memberIDs = sortedCopy(append(memberIDs, toggled))
			result.Added = toggled
		}
		if len(memberIDs) < MinMembers || len(memberIDs) > MaxMembers {
			return UpdateResult{}, apperrors.New(opUpdate, "member_count", apperrors.ErrInvalidInput, nil)
		}
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Channel{}).Where("id = ?", channel.ID).Updates(updates).Error; err != nil {
			return err
		}
		if result.Removed != "" {
			if err := tx.Where("channel_id = ? AND user_id = ?", channel.ID, result.Removed).Delete(&ChannelMember{}).Error; err != nil {
				return err
			}
		}
		if result.Added != "" {
			member := ChannelMember{ChannelID: channel.ID, UserID: result.Added, CreatedAt: s.clock().UTC()}
			if err := tx.Create(&member).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logError(opUpdate, "update_failed", err, zap.String("user_id", userID), zap.String("channel_id", channelID))
		return UpdateResult{}, apperrors.New(opUpdate, "update_failed", apperrors.ErrUnavailable, err)
	}

	updated, err := s.load(ctx, opUpdate, channel.ID)
	if err != nil {
		return UpdateResult{}, err
	}
	result.Channel = updated
	return result, nil
}

// Delete removes a channel with its members and messages and returns it as it was.
func (s *Service) Delete(ctx context.Context, userID, channelID string) (Channel, error) {
	channel, err := s.loadForMember(ctx, opDelete, userID, channelID)
	if err != nil {
		return Channel{}, err
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("channel_id = ?", channel.ID).Delete(&Message{}).Error; err != nil {
			return err
		}
		if err := tx.Where("channel_id = ?", channel.ID).Delete(&ChannelMember{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", channel.ID).Delete(&Channel{}).Error
	})
	if err != nil {
		s.logError(opDelete, "delete_failed", err, zap.String("user_id", userID), zap.String("channel_id", channelID))
		return Channel{}, apperrors.New(opDelete, "delete_failed", apperrors.ErrUnavailable, err)
	}
	return channel, nil
}

// IsMember reports whether userID belongs to channelID.
func (s *Service) IsMember(ctx context.Context, userID, channelID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&ChannelMember{}).
		Where("channel_id = ? AND user_id = ?", channelID, userID).
		Count(&count).
		Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// CanJoin lets a user subscribe to the realtime room of a channel they belong to.
func (s *Service) CanJoin(ctx context.Context, userID string, room realtime.RoomID) (bool, error) {
	member, err := s.IsMember(ctx, userID, string(room))
	if err != nil {
		s.logError(opCanJoin, "query_failed", err, zap.String("user_id", userID), zap.String("room", string(room)))
		return false, apperrors.New(opCanJoin, "query_failed", apperrors.ErrUnavailable, err)
	}
	return member, nil
}

func (s *Service) requireFriends(ctx context.Context, operation, userID string, others []string) error {
	friendIDs, err := s.friends.FriendsOf(ctx, userID)
	if err != nil {
		s.logError(operation, "friend_lookup_failed", err, zap.String("user_id", userID))
		return apperrors.New(operation, "friend_lookup_failed", apperrors.ErrUnavailable, err)
	}
	if strangers := lo.Without(others, friendIDs...); len(strangers) > 0 {
		return apperrors.New(operation, "not_friends", apperrors.ErrForbidden, nil)
	}
	return nil
}

// findByMembers looks for a channel whose member set equals memberIDs exactly.
func (s *Service) findByMembers(ctx context.Context, memberIDs []string) (Channel, bool, error) {
	var channelIDs []string
	err := s.db.WithContext(ctx).
		Model(&ChannelMember{}).
		Select("channel_id").
		Group("channel_id").
		Having("COUNT(*) = ? AND SUM(CASE WHEN user_id IN ? THEN 1 ELSE 0 END) = ?", len(memberIDs), memberIDs, len(memberIDs)).
		Limit(1).
		Pluck("channel_id", &channelIDs).
		Error
	if err != nil || len(channelIDs) == 0 {
		return Channel{}, false, err
	}
	var channel Channel
	if err := s.db.WithContext(ctx).Preload("Members").Where("id = ?", channelIDs[0]).First(&channel).Error; err != nil {
		return Channel{}, false, err
	}
	return channel, true, nil
}

func (s *Service) load(ctx context.Context, operation, channelID string) (Channel, error) {
	var channel Channel
	err := s.db.WithContext(ctx).Preload("Members").Where("id = ?", normalize(channelID)).First(&channel).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Channel{}, apperrors.New(operation, "channel_not_found", apperrors.ErrNotFound, nil)
	}
	if err != nil {
		s.logError(operation, "query_failed", err, zap.String("channel_id", channelID))
		return Channel{}, apperrors.New(operation, "query_failed", apperrors.ErrUnavailable, err)
	}
	return channel, nil
}

func (s *Service) loadForMember(ctx context.Context, operation, userID, channelID string) (Channel, error) {
	channel, err := s.load(ctx, operation, channelID)
	if err != nil {
		return Channel{}, err
	}
	if !channel.HasMember(userID) {
		return Channel{}, apperrors.New(operation, "not_member", apperrors.ErrForbidden, nil)
	}
	return channel, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("channels service error", attrs...)
}

func sortedCopy(values []string) []string {
	out := slices.Clone(values)
	slices.Sort(out)
	return out
}
