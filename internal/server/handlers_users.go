package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pbrebner/dm-api/internal/realtime"
	"github.com/pbrebner/dm-api/internal/users"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

type signUpRequestPayload struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequestPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponsePayload struct {
	AccessToken string      `json:"access_token"`
	ExpiresIn   int64       `json:"expires_in"`
	TokenType   string      `json:"token_type"`
	User        *users.User `json:"user,omitempty"`
}

type userView struct {
	users.User
	FriendStatus users.FriendStatus `json:"friendStatus"`
}

type friendRequestPayload struct {
	UserID string `json:"userId"`
}

// friendshipView is a friendship as seen from UserID.
type friendshipView struct {
	UserID   string             `json:"userId"`
	FriendID string             `json:"friendId"`
	Status   users.FriendStatus `json:"status"`
}

func (h *httpHandler) handleSignUp(c *gin.Context) {
	var request signUpRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		writeInvalidRequest(c)
		return
	}
	user, err := h.users.Register(c.Request.Context(), users.RegisterInput{
		Name:     request.Name,
		Email:    request.Email,
		Password: request.Password,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, user)
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Email) == "" {
		writeInvalidRequest(c)
		return
	}
	user, err := h.users.Authenticate(c.Request.Context(), request.Email, request.Password)
	if err != nil {
		writeError(c, err)
		return
	}

	refreshToken, refreshExpiresAt, err := h.refresh.IssueToken(c.Request.Context(), user.ID)
	if err != nil {
		h.logger.Error("failed to issue refresh token", zap.String("user_id", user.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	http.SetCookie(c.Writer, h.sessions.NewCookie(refreshToken, refreshExpiresAt))
	h.writeAccessToken(c, user.ID, &user)
}

func (h *httpHandler) handleRefresh(c *gin.Context) {
	userID, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		h.logger.Info("refresh token rejected", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	user, err := h.users.Get(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	h.writeAccessToken(c, user.ID, &user)
}

func (h *httpHandler) handleLogout(c *gin.Context) {
	http.SetCookie(c.Writer, h.sessions.ClearCookie())
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) writeAccessToken(c *gin.Context, userID string, user *users.User) {
	token, expiresAt, err := h.tokens.IssueToken(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("failed to issue access token", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   int64(time.Until(expiresAt).Seconds()),
		TokenType:   "Bearer",
		User:        user,
	})
}

func (h *httpHandler) handleListUsers(c *gin.Context) {
	ctx := c.Request.Context()
	userID := currentUserID(c)
	all, err := h.users.List(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	others := lo.Filter(all, func(user users.User, _ int) bool {
		return user.ID != userID
	})
	statuses, err := h.users.FriendStatuses(ctx, userID, lo.Map(others, func(user users.User, _ int) string {
		return user.ID
	}))
	if err != nil {
		writeError(c, err)
		return
	}
	views := lo.Map(others, func(user users.User, _ int) userView {
		return userView{User: user, FriendStatus: statuses[user.ID]}
	})
	c.JSON(http.StatusOK, gin.H{"users": views})
}

func (h *httpHandler) handleGetUser(c *gin.Context) {
	ctx := c.Request.Context()
	user, err := h.users.Get(ctx, c.Param("userId"))
	if err != nil {
		writeError(c, err)
		return
	}
	statuses, err := h.users.FriendStatuses(ctx, currentUserID(c), []string{user.ID})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, userView{User: user, FriendStatus: statuses[user.ID]})
}

func (h *httpHandler) handleListFriends(c *gin.Context) {
	friends, err := h.users.ListFriends(c.Request.Context(), currentUserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"friends": friends})
}

func (h *httpHandler) handleRequestFriend(c *gin.Context) {
	var request friendRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.UserID) == "" {
		writeInvalidRequest(c)
		return
	}
	userID := currentUserID(c)
	friendship, err := h.users.RequestFriend(c.Request.Context(), userID, request.UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	h.hub.Publish(realtime.ToUsers(friendship.FriendID), realtime.EventFriendRequest, friendshipView{
		UserID:   friendship.FriendID,
		FriendID: userID,
		Status:   users.FriendStatusPending,
	})
	c.JSON(http.StatusCreated, viewFriendship(friendship))
}

func (h *httpHandler) handleAcceptFriend(c *gin.Context) {
	userID := currentUserID(c)
	requesterID := c.Param("userId")
	friendship, err := h.users.AcceptFriend(c.Request.Context(), userID, requesterID)
	if err != nil {
		writeError(c, err)
		return
	}
	h.hub.Publish(realtime.ToUsers(friendship.FriendID), realtime.EventFriendAccept, friendshipView{
		UserID:   friendship.FriendID,
		FriendID: userID,
		Status:   users.FriendStatusFriends,
	})
	c.JSON(http.StatusOK, viewFriendship(friendship))
}

func (h *httpHandler) handleRemoveFriend(c *gin.Context) {
	userID := currentUserID(c)
	friendID := strings.TrimSpace(c.Param("userId"))
	if err := h.users.RemoveFriend(c.Request.Context(), userID, friendID); err != nil {
		writeError(c, err)
		return
	}
	h.hub.Publish(realtime.ToUsers(friendID), realtime.EventFriendRemove, friendshipView{
		UserID:   friendID,
		FriendID: userID,
		Status:   users.FriendStatusNone,
	})
	c.Status(http.StatusNoContent)
}

func viewFriendship(friendship users.Friendship) friendshipView {
	return friendshipView{
		UserID:   friendship.UserID,
		FriendID: friendship.FriendID,
		Status:   friendship.Status,
	}
}
