package users

import (
	"strings"
	"time"
)

// DefaultAvatar is assigned to accounts that never uploaded one.
const DefaultAvatar = "/static/avatar-default.png"

// User is an account of the messaging backend.
type User struct {
	ID           string    `gorm:"column:id;primaryKey;size:36" json:"id"`
	Name         string    `gorm:"column:name;size:64;not null" json:"name"`
	Email        string    `gorm:"column:email;size:320;not null;uniqueIndex" json:"email"`
	PasswordHash string    `gorm:"column:password_hash;size:72;not null" json:"-"`
	Bio          string    `gorm:"column:bio;size:280" json:"bio"`
	Avatar       string    `gorm:"column:avatar;size:512" json:"avatar"`
	MemberStatus bool      `gorm:"column:member_status;not null;default:false" json:"memberStatus"`
	Online       bool      `gorm:"column:online;not null;default:false;index" json:"online"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime" json:"-"`
}

// TableName exposes the table backing user accounts.
func (User) TableName() string {
	return "users"
}

// FriendStatus is the state of one direction of a friendship.
type FriendStatus int

const (
	FriendStatusNone FriendStatus = iota
	// FriendStatusRequested marks the side that sent the request.
	FriendStatusRequested
	// FriendStatusPending marks the side that has to answer.
	FriendStatusPending
	FriendStatusFriends
)

func (s FriendStatus) String() string {
	switch s {
	case FriendStatusRequested:
		return "requested"
	case FriendStatusPending:
		return "pending"
	case FriendStatusFriends:
		return "friends"
	default:
		return "none"
	}
}

// Friendship is one direction of a friend relation. Both directions are always written together.
type Friendship struct {
	UserID    string       `gorm:"column:user_id;primaryKey;size:36"`
	FriendID  string       `gorm:"column:friend_id;primaryKey;size:36;index"`
	Status    FriendStatus `gorm:"column:status;not null"`
	CreatedAt time.Time    `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time    `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing friendships.
func (Friendship) TableName() string {
	return "friendships"
}

// Friend is a friendship as seen by one user.
type Friend struct {
	User   User         `json:"user"`
	Status FriendStatus `json:"status"`
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}

func normalizeEmail(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
