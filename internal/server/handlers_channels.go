package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pbrebner/dm-api/internal/channels"
	"github.com/pbrebner/dm-api/internal/realtime"
	"github.com/samber/lo"
)

const (
	messageActionCreate = "create"
	messageActionUpdate = "update"
	messageActionDelete = "delete"
)

type channelView struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Members   []string  `json:"members"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func viewChannel(channel channels.Channel) channelView {
	return channelView{
		ID:        channel.ID,
		Title:     channel.Title,
		Members:   channel.MemberIDs(),
		CreatedAt: channel.CreatedAt,
		UpdatedAt: channel.UpdatedAt,
	}
}

type createChannelRequestPayload struct {
	Title   string   `json:"title"`
	UserIDs []string `json:"userIds"`
}

type createChannelResponsePayload struct {
	channelView
	NewChannel bool `json:"newChannel"`
}

type updateChannelRequestPayload struct {
	Title  *string `json:"title"`
	UserID string  `json:"userId"`
}

type channelDeletedPayload struct {
	ID string `json:"id"`
}

type messageRequestPayload struct {
	Content      string `json:"content"`
	InResponseTo string `json:"inResponseTo"`
}

type messageUpdateRequestPayload struct {
	Content *string `json:"content"`
	Likes   *int    `json:"likes"`
}

// messageEventPayload is published to a channel room after every message mutation.
type messageEventPayload struct {
	Action    string           `json:"action"`
	ChannelID string           `json:"channelId"`
	Message   channels.Message `json:"message"`
}

func (h *httpHandler) handleListChannels(c *gin.Context) {
	list, err := h.channels.List(c.Request.Context(), currentUserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"channels": lo.Map(list, func(channel channels.Channel, _ int) channelView {
		return viewChannel(channel)
	})})
}

func (h *httpHandler) handleCreateChannel(c *gin.Context) {
	var request createChannelRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		writeInvalidRequest(c)
		return
	}
	channel, created, err := h.channels.Create(c.Request.Context(), currentUserID(c), channels.CreateInput{
		Title:   request.Title,
		UserIDs: request.UserIDs,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	view := viewChannel(channel)
	if !created {
		c.JSON(http.StatusOK, createChannelResponsePayload{channelView: view})
		return
	}
	h.hub.Publish(realtime.ToUsers(view.Members...), realtime.EventChannelCreate, view)
	c.JSON(http.StatusCreated, createChannelResponsePayload{channelView: view, NewChannel: true})
}

func (h *httpHandler) handleGetChannel(c *gin.Context) {
	channel, err := h.channels.Get(c.Request.Context(), currentUserID(c), c.Param("channelId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewChannel(channel))
}

func (h *httpHandler) handleUpdateChannel(c *gin.Context) {
	var request updateChannelRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		writeInvalidRequest(c)
		return
	}
	result, err := h.channels.Update(c.Request.Context(), currentUserID(c), c.Param("channelId"), channels.UpdateInput{
		Title:  request.Title,
		UserID: request.UserID,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	view := viewChannel(result.Channel)
	recipients := append(append([]string{}, view.Members...), result.Removed)
	h.hub.Publish(realtime.ToRoom(view.ID).Merge(realtime.ToUsers(recipients...)), realtime.EventChannelUpdate, view)
	if result.Removed != "" {
		h.hub.EvictUser(view.ID, result.Removed)
	}
	c.JSON(http.StatusOK, view)
}

func (h *httpHandler) handleDeleteChannel(c *gin.Context) {
	deleted, err := h.channels.Delete(c.Request.Context(), currentUserID(c), c.Param("channelId"))
	if err != nil {
		writeError(c, err)
		return
	}
	target := realtime.ToRoom(deleted.ID).Merge(realtime.ToUsers(deleted.MemberIDs()...))
	h.hub.Publish(target, realtime.EventChannelDelete, channelDeletedPayload{ID: deleted.ID})
	h.hub.CloseRoom(deleted.ID)
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListMessages(c *gin.Context) {
	messages, err := h.channels.ListMessages(c.Request.Context(), currentUserID(c), c.Param("channelId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (h *httpHandler) handleCreateMessage(c *gin.Context) {
	var request messageRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		writeInvalidRequest(c)
		return
	}
	message, err := h.channels.CreateMessage(c.Request.Context(), currentUserID(c), c.Param("channelId"), channels.MessageInput{
		Content:      request.Content,
		InResponseTo: request.InResponseTo,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	h.publishMessage(messageActionCreate, message)
	c.JSON(http.StatusCreated, message)
}

func (h *httpHandler) handleGetMessage(c *gin.Context) {
	message, err := h.channels.GetMessage(c.Request.Context(), currentUserID(c), c.Param("channelId"), c.Param("messageId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, message)
}

func (h *httpHandler) handleUpdateMessage(c *gin.Context) {
	var request messageUpdateRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		writeInvalidRequest(c)
		return
	}
	message, err := h.channels.UpdateMessage(c.Request.Context(), currentUserID(c), c.Param("channelId"), c.Param("messageId"), channels.MessageUpdate{
		Content: request.Content,
		Likes:   request.Likes,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	h.publishMessage(messageActionUpdate, message)
	c.JSON(http.StatusOK, message)
}

func (h *httpHandler) handleDeleteMessage(c *gin.Context) {
	message, err := h.channels.DeleteMessage(c.Request.Context(), currentUserID(c), c.Param("channelId"), c.Param("messageId"))
	if err != nil {
		writeError(c, err)
		return
	}
	h.publishMessage(messageActionDelete, message)
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) publishMessage(action string, message channels.Message) {
	h.hub.Publish(realtime.ToRoom(message.ChannelID), realtime.EventMessageUpdate, messageEventPayload{
		Action:    action,
		ChannelID: message.ChannelID,
		Message:   message,
	})
}
