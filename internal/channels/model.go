package channels

import (
	"strings"
	"time"

	"github.com/samber/lo"
)

const (
	// MaxTitleLength bounds channel titles, counted in runes.
	MaxTitleLength = 30
	// MaxMessageLength bounds message content, counted in runes.
	MaxMessageLength = 280
	// MinMembers and MaxMembers bound a channel's member set, creator included.
	MinMembers = 2
	MaxMembers = 6
)

// Channel is a direct-message conversation between 2 and 6 users.
type Channel struct {
	ID        string          `gorm:"column:id;primaryKey;size:36" json:"id"`
	Title     string          `gorm:"column:title;size:120" json:"title"`
	Members   []ChannelMember `gorm:"foreignKey:ChannelID;references:ID;constraint:OnDelete:CASCADE" json:"-"`
	CreatedAt time.Time       `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time       `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

// TableName exposes the table backing channels.
func (Channel) TableName() string {
	return "channels"
}

// MemberIDs returns the ids of the channel's members in a stable order.
func (c Channel) MemberIDs() []string {
	memberIDs := lo.Map(c.Members, func(member ChannelMember, _ int) string {
		return member.UserID
	})
	return sortedCopy(memberIDs)
}

// HasMember reports whether userID belongs to the channel.
func (c Channel) HasMember(userID string) bool {
	return lo.ContainsBy(c.Members, func(member ChannelMember) bool {
		return member.UserID == userID
	})
}

// ChannelMember links a user to a channel.
type ChannelMember struct {
	ChannelID string    `gorm:"column:channel_id;primaryKey;size:36"`
	UserID    string    `gorm:"column:user_id;primaryKey;size:36;index"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing channel membership.
func (ChannelMember) TableName() string {
	return "channel_members"
}

// Message is a post in a channel.
type Message struct {
	ID           string    `gorm:"column:id;primaryKey;size:36" json:"id"`
	ChannelID    string    `gorm:"column:channel_id;size:36;not null;index:idx_messages_channel_created,priority:1" json:"channelId"`
	UserID       string    `gorm:"column:user_id;size:36;not null;index" json:"userId"`
	Content      string    `gorm:"column:content;size:1200;not null" json:"content"`
	InResponseTo *string   `gorm:"column:in_response_to;size:36" json:"inResponseTo,omitempty"`
	Likes        int       `gorm:"column:likes;not null;default:0" json:"likes"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime;index:idx_messages_channel_created,priority:2" json:"createdAt"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

// TableName exposes the table backing messages.
func (Message) TableName() string {
	return "messages"
}

var markupStripper = strings.NewReplacer("<", "", ">", "")

// sanitizeText trims the value and strips angle brackets.
func sanitizeText(value string) string {
	return strings.TrimSpace(markupStripper.Replace(value))
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
