package users

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pbrebner/dm-api/internal/apperrors"
	"github.com/pbrebner/dm-api/internal/auth"
	"github.com/pbrebner/dm-api/internal/ids"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingUserID     = errors.New("user identifier is required")
	errSelfFriendship    = errors.New("users cannot befriend themselves")
	noOpLogger           = zap.NewNop()

	validate = validator.New()
)

const (
	opServiceNew     = "users.service.new"
	opRegister       = "users.register"
	opAuthenticate   = "users.authenticate"
	opGet            = "users.get"
	opList           = "users.list"
	opSetOnline      = "users.set_online"
	opFriendsOf      = "users.friends_of"
	opListFriends    = "users.list_friends"
	opRequestFriend  = "users.request_friend"
	opAcceptFriend   = "users.accept_friend"
	opRemoveFriend   = "users.remove_friend"
	opFriendStatuses = "users.friend_statuses"
)

// RegisterInput is a sign-up request.
type RegisterInput struct {
	Name     string `validate:"required,min=1,max=64"`
	Email    string `validate:"required,email,max=320"`
	Password string `validate:"required,min=8,max=72"`
}

// ServiceConfig describes the dependencies of the user directory.
type ServiceConfig struct {
	Database   *gorm.DB
	IDProvider ids.Provider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service is the user directory: accounts, credentials, presence flags and friendships.
type Service struct {
	db         *gorm.DB
	idProvider ids.Provider
	clock      func() time.Time
	logger     *zap.Logger
}

// NewService constructs the user directory.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, apperrors.New(opServiceNew, "missing_database", apperrors.ErrMissingConfig, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, apperrors.New(opServiceNew, "missing_id_provider", apperrors.ErrMissingConfig, errMissingIDProvider)
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
		clock:      clock,
		logger:     logger,
	}, nil
}

// Register creates an account with a bcrypt password hash.
func (s *Service) Register(ctx context.Context, input RegisterInput) (User, error) {
	input.Name = normalize(input.Name)
	input.Email = normalizeEmail(input.Email)
	if err := validate.Struct(input); err != nil {
		return User{}, apperrors.New(opRegister, "invalid_input", apperrors.ErrInvalidInput, err)
	}

	var existing int64
	if err := s.db.WithContext(ctx).Model(&User{}).Where("email = ?", input.Email).Count(&existing).Error; err != nil {
		s.logError(opRegister, "lookup_failed", err)
		return User{}, apperrors.New(opRegister, "lookup_failed", apperrors.ErrUnavailable, err)
	}
	if existing > 0 {
		return User{}, apperrors.New(opRegister, "email_taken", apperrors.ErrConflict, nil)
	}

	hash, err := auth.HashPassword(input.Password)
	if err != nil {
		s.logError(opRegister, "hash_failed", err)
		return User{}, apperrors.New(opRegister, "hash_failed", apperrors.ErrUnavailable, err)
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opRegister, "id_generation_failed", err)
		return User{}, apperrors.New(opRegister, "id_generation_failed", apperrors.ErrUnavailable, err)
	}

	user := User{
		ID:           id,
		Name:         input.Name,
		Email:        input.Email,
		PasswordHash: hash,
		Avatar:       DefaultAvatar,
		CreatedAt:    s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(strings.ToLower(err.Error()), "unique") {
			return User{}, apperrors.New(opRegister, "email_taken", apperrors.ErrConflict, err)
		}
		s.logError(opRegister, "insert_failed", err)
		return User{}, apperrors.New(opRegister, "insert_failed", apperrors.ErrUnavailable, err)
	}
	return user, nil
}

// Authenticate checks credentials. Unknown emails and wrong passwords fail the same way.
func (s *Service) Authenticate(ctx context.Context, email, password string) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("email = ?", normalizeEmail(email)).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, apperrors.New(opAuthenticate, "invalid_credentials", apperrors.ErrUnauthorized, nil)
	}
	if err != nil {
		s.logError(opAuthenticate, "lookup_failed", err)
		return User{}, apperrors.New(opAuthenticate, "lookup_failed", apperrors.ErrUnavailable, err)
	}
	if err := auth.ComparePassword(user.PasswordHash, password); err != nil {
		if !errors.Is(err, auth.ErrPasswordMismatch) {
			s.logError(opAuthenticate, "compare_failed", err, zap.String("user_id", user.ID))
		}
		return User{}, apperrors.New(opAuthenticate, "invalid_credentials", apperrors.ErrUnauthorized, nil)
	}
	return user, nil
}

// Get returns one account.
func (s *Service) Get(ctx context.Context, userID string) (User, error) {
	userID = normalize(userID)
	if userID == "" {
		return User{}, apperrors.New(opGet, "missing_user_id", apperrors.ErrInvalidInput, errMissingUserID)
	}
	var user User
	err := s.db.WithContext(ctx).Where("id = ?", userID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, apperrors.New(opGet, "not_found", apperrors.ErrNotFound, nil)
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.String("user_id", userID))
		return User{}, apperrors.New(opGet, "query_failed", apperrors.ErrUnavailable, err)
	}
	return user, nil
}

// List returns every account ordered by name.
func (s *Service) List(ctx context.Context) ([]User, error) {
	var users []User
	if err := s.db.WithContext(ctx).Order("name ASC").Order("id ASC").Find(&users).Error; err != nil {
		s.logError(opList, "query_failed", err)
		return nil, apperrors.New(opList, "query_failed", apperrors.ErrUnavailable, err)
	}
	return users, nil
}

// Exists reports which of userIDs have an account.
func (s *Service) Exists(ctx context.Context, userIDs []string) (map[string]bool, error) {
	found := make(map[string]bool, len(userIDs))
	if len(userIDs) == 0 {
		return found, nil
	}
	var existing []string
	if err := s.db.WithContext(ctx).Model(&User{}).Where("id IN ?", userIDs).Pluck("id", &existing).Error; err != nil {
		s.logError(opGet, "exists_failed", err)
		return nil, apperrors.New(opGet, "exists_failed", apperrors.ErrUnavailable, err)
	}
	for _, id := range existing {
		found[id] = true
	}
	return found, nil
}

// SetOnline persists the presence flag. It is the presence tracker's write path.
func (s *Service) SetOnline(ctx context.Context, userID string, online bool) error {
	userID = normalize(userID)
	if userID == "" {
		return apperrors.New(opSetOnline, "missing_user_id", apperrors.ErrInvalidInput, errMissingUserID)
	}
	result := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", userID).Update("online", online)
	if result.Error != nil {
		s.logError(opSetOnline, "update_failed", result.Error, zap.String("user_id", userID))
		return apperrors.New(opSetOnline, "update_failed", apperrors.ErrUnavailable, result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.New(opSetOnline, "not_found", apperrors.ErrNotFound, nil)
	}
	return nil
}

// FriendsOf returns the ids of the user's confirmed friends.
func (s *Service) FriendsOf(ctx context.Context, userID string) ([]string, error) {
	var friendIDs []string
	err := s.db.WithContext(ctx).
		Model(&Friendship{}).
		Where("user_id = ? AND status = ?", normalize(userID), FriendStatusFriends).
		Order("friend_id ASC").
		Pluck("friend_id", &friendIDs).
		Error
	if err != nil {
		s.logError(opFriendsOf, "query_failed", err, zap.String("user_id", userID))
		return nil, apperrors.New(opFriendsOf, "query_failed", apperrors.ErrUnavailable, err)
	}
	return friendIDs, nil
}

// FriendStatuses returns the caller's friendship status towards each of otherIDs.
func (s *Service) FriendStatuses(ctx context.Context, userID string, otherIDs []string) (map[string]FriendStatus, error) {
	statuses := make(map[string]FriendStatus, len(otherIDs))
	if len(otherIDs) == 0 {
		return statuses, nil
	}
	var rows []Friendship
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND friend_id IN ?", normalize(userID), otherIDs).
		Find(&rows).
		Error
	if err != nil {
		s.logError(opFriendStatuses, "query_failed", err, zap.String("user_id", userID))
		return nil, apperrors.New(opFriendStatuses, "query_failed", apperrors.ErrUnavailable, err)
	}
	for _, row := range rows {
		statuses[row.FriendID] = row.Status
	}
	return statuses, nil
}

// ListFriends returns every friendship of the user in any state, with the counterpart's account.
func (s *Service) ListFriends(ctx context.Context, userID string) ([]Friend, error) {
	userID = normalize(userID)
	var rows []Friendship
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Find(&rows).Error; err != nil {
		s.logError(opListFriends, "query_failed", err, zap.String("user_id", userID))
		return nil, apperrors.New(opListFriends, "query_failed", apperrors.ErrUnavailable, err)
	}
	if len(rows) == 0 {
		return []Friend{}, nil
	}

	friendIDs := make([]string, 0, len(rows))
	for _, row := range rows {
		friendIDs = append(friendIDs, row.FriendID)
	}
	var accounts []User
	if err := s.db.WithContext(ctx).Where("id IN ?", friendIDs).Order("name ASC").Find(&accounts).Error; err != nil {
		s.logError(opListFriends, "account_query_failed", err, zap.String("user_id", userID))
		return nil, apperrors.New(opListFriends, "account_query_failed", apperrors.ErrUnavailable, err)
	}

	statuses := make(map[string]FriendStatus, len(rows))
	for _, row := range rows {
		statuses[row.FriendID] = row.Status
	}
	friends := make([]Friend, 0, len(accounts))
	for _, account := range accounts {
		friends = append(friends, Friend{User: account, Status: statuses[account.ID]})
	}
	return friends, nil
}

// RequestFriend records a request from userID to friendID in both directions.
func (s *Service) RequestFriend(ctx context.Context, userID, friendID string) (Friendship, error) {
	userID, friendID = normalize(userID), normalize(friendID)
	if userID == "" || friendID == "" {
		return Friendship{}, apperrors.New(opRequestFriend, "missing_user_id", apperrors.ErrInvalidInput, errMissingUserID)
	}
	if userID == friendID {
		return Friendship{}, apperrors.New(opRequestFriend, "self_request", apperrors.ErrInvalidInput, errSelfFriendship)
	}
	if _, err := s.Get(ctx, friendID); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return Friendship{}, apperrors.New(opRequestFriend, "friend_not_found", apperrors.ErrNotFound, nil)
		}
		return Friendship{}, err
	}

	now := s.clock().UTC()
	outgoing := Friendship{UserID: userID, FriendID: friendID, Status: FriendStatusRequested, CreatedAt: now, UpdatedAt: now}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Friendship{}).
			Where("user_id = ? AND friend_id = ?", userID, friendID).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return apperrors.New(opRequestFriend, "already_exists", apperrors.ErrConflict, nil)
		}
		incoming := Friendship{UserID: friendID, FriendID: userID, Status: FriendStatusPending, CreatedAt: now, UpdatedAt: now}
		return tx.Create([]*Friendship{&outgoing, &incoming}).Error
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			return Friendship{}, err
		}
		s.logError(opRequestFriend, "insert_failed", err, zap.String("user_id", userID), zap.String("friend_id", friendID))
		return Friendship{}, apperrors.New(opRequestFriend, "insert_failed", apperrors.ErrUnavailable, err)
	}
	return outgoing, nil
}

// AcceptFriend confirms a pending request that requesterID sent to userID.
func (s *Service) AcceptFriend(ctx context.Context, userID, requesterID string) (Friendship, error) {
	userID, requesterID = normalize(userID), normalize(requesterID)
	if userID == "" || requesterID == "" {
		return Friendship{}, apperrors.New(opAcceptFriend, "missing_user_id", apperrors.ErrInvalidInput, errMissingUserID)
	}

	var accepted Friendship
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pending Friendship
		err := tx.Where("user_id = ? AND friend_id = ?", userID, requesterID).First(&pending).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.New(opAcceptFriend, "request_not_found", apperrors.ErrNotFound, nil)
		}
		if err != nil {
			return err
		}
		if pending.Status != FriendStatusPending {
			return apperrors.New(opAcceptFriend, "not_pending", apperrors.ErrConflict, nil)
		}
		if err := tx.Model(&Friendship{}).
			Where("(user_id = ? AND friend_id = ?) OR (user_id = ? AND friend_id = ?)", userID, requesterID, requesterID, userID).
			Updates(map[string]interface{}{"status": FriendStatusFriends, "updated_at": s.clock().UTC()}).
			Error; err != nil {
			return err
		}
		accepted = pending
		accepted.Status = FriendStatusFriends
		return nil
	})
	if err != nil {
		if apperrors.Code(err) != "" {
			return Friendship{}, err
		}
		s.logError(opAcceptFriend, "update_failed", err, zap.String("user_id", userID), zap.String("friend_id", requesterID))
		return Friendship{}, apperrors.New(opAcceptFriend, "update_failed", apperrors.ErrUnavailable, err)
	}
	return accepted, nil
}

// RemoveFriend deletes both directions of a friendship, request or confirmed.
func (s *Service) RemoveFriend(ctx context.Context, userID, friendID string) error {
	userID, friendID = normalize(userID), normalize(friendID)
	if userID == "" || friendID == "" {
		return apperrors.New(opRemoveFriend, "missing_user_id", apperrors.ErrInvalidInput, errMissingUserID)
	}
	result := s.db.WithContext(ctx).
		Where("(user_id = ? AND friend_id = ?) OR (user_id = ? AND friend_id = ?)", userID, friendID, friendID, userID).
		Delete(&Friendship{})
	if result.Error != nil {
		s.logError(opRemoveFriend, "delete_failed", result.Error, zap.String("user_id", userID), zap.String("friend_id", friendID))
		return apperrors.New(opRemoveFriend, "delete_failed", apperrors.ErrUnavailable, result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.New(opRemoveFriend, "not_found", apperrors.ErrNotFound, nil)
	}
	return nil
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
	s.loggerOrDefault().Error("users service error", attrs...)
}
