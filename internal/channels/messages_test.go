package channels

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/pbrebner/dm-api/internal/apperrors"
	"github.com/pbrebner/dm-api/internal/realtime"
)

func roomOf(channel Channel) realtime.RoomID {
	return realtime.RoomID(channel.ID)
}

func TestCreateMessageSanitizesContent(t *testing.T) {
	service := newTestService(t, testFriends)
	ctx := context.Background()
	channel := mustCreate(t, service, "alice", "bob")

	message, err := service.CreateMessage(ctx, "alice", channel.ID, MessageInput{Content: "  <script>hi</script>  "})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if message.Content != "scripthi/script" {
		t.Fatalf("expected sanitized content, got %q", message.Content)
	}
	if message.UserID != "alice" || message.ChannelID != channel.ID {
		t.Fatalf("unexpected message ownership %+v", message)
	}

	invalid := []string{"", "   ", "<>", strings.Repeat("z", MaxMessageLength+1)}
	for _, content := range invalid {
		if _, err := service.CreateMessage(ctx, "alice", channel.ID, MessageInput{Content: content}); !errors.Is(err, apperrors.ErrInvalidInput) {
			t.Fatalf("expected invalid content for %q, got %v", content, err)
		}
	}
	if _, err := service.CreateMessage(ctx, "alice", channel.ID, MessageInput{Content: strings.Repeat("é", MaxMessageLength)}); err != nil {
		t.Fatalf("expected content length to count characters, got %v", err)
	}
	if _, err := service.CreateMessage(ctx, "carol", channel.ID, MessageInput{Content: "let me in"}); !errors.Is(err, apperrors.ErrForbidden) {
		t.Fatalf("expected non-member post to be forbidden, got %v", err)
	}
}

func TestMessageRepliesMustReferenceChannelMessages(t *testing.T) {
	service := newTestService(t, testFriends)
	ctx := context.Background()
	channel := mustCreate(t, service, "alice", "bob")
	other := mustCreate(t, service, "alice", "carol")
	parent, err := service.CreateMessage(ctx, "alice", other.ID, MessageInput{Content: "elsewhere"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if _, err := service.CreateMessage(ctx, "alice", channel.ID, MessageInput{Content: "reply", InResponseTo: parent.ID}); !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Fatalf("expected cross-channel reply to be rejected, got %v", err)
	}

	local, _ := service.CreateMessage(ctx, "bob", channel.ID, MessageInput{Content: "question"})
	reply, err := service.CreateMessage(ctx, "alice", channel.ID, MessageInput{Content: "answer", InResponseTo: local.ID})
	if err != nil {
		t.Fatalf("reply failed: %v", err)
	}
	if reply.InResponseTo == nil || *reply.InResponseTo != local.ID {
		t.Fatalf("expected reply to reference %s, got %v", local.ID, reply.InResponseTo)
	}

	messages, err := service.ListMessages(ctx, "bob", channel.ID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(messages) != 2 || messages[0].ID != local.ID || messages[1].ID != reply.ID {
		t.Fatalf("expected messages oldest first, got %+v", messages)
	}
}

func TestUpdateMessageLikesAndContent(t *testing.T) {
	service := newTestService(t, testFriends)
	ctx := context.Background()
	channel := mustCreate(t, service, "alice", "bob")
	message, _ := service.CreateMessage(ctx, "alice", channel.ID, MessageInput{Content: "original"})

	likes := 3
	updated, err := service.UpdateMessage(ctx, "bob", channel.ID, message.ID, MessageUpdate{Likes: &likes})
	if err != nil {
		t.Fatalf("like update failed: %v", err)
	}
	if updated.Likes != 3 {
		t.Fatalf("expected 3 likes, got %d", updated.Likes)
	}

	content := "edited by bob"
	if _, err := service.UpdateMessage(ctx, "bob", channel.ID, message.ID, MessageUpdate{Content: &content}); !errors.Is(err, apperrors.ErrForbidden) {
		t.Fatalf("expected non-author edit to be forbidden, got %v", err)
	}
	content = "edited"
	updated, err = service.UpdateMessage(ctx, "alice", channel.ID, message.ID, MessageUpdate{Content: &content})
	if err != nil {
		t.Fatalf("content update failed: %v", err)
	}
	stored, _ := service.GetMessage(ctx, "bob", channel.ID, message.ID)
	if stored.Content != "edited" || stored.Likes != 3 {
		t.Fatalf("unexpected stored message %+v", stored)
	}

	negative := -1
	if _, err := service.UpdateMessage(ctx, "bob", channel.ID, message.ID, MessageUpdate{Likes: &negative}); !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Fatalf("expected negative likes to be rejected, got %v", err)
	}
	if _, err := service.UpdateMessage(ctx, "bob", channel.ID, message.ID, MessageUpdate{}); !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Fatalf("expected empty update to be rejected, got %v", err)
	}
}

func TestDeleteMessageRequiresAuthor(t *testing.T) {
	service := newTestService(t, testFriends)
	ctx := context.Background()
	channel := mustCreate(t, service, "alice", "bob")
	message, _ := service.CreateMessage(ctx, "alice", channel.ID, MessageInput{Content: "mine"})

	if _, err := service.DeleteMessage(ctx, "bob", channel.ID, message.ID); !errors.Is(err, apperrors.ErrForbidden) {
		t.Fatalf("expected non-author delete to be forbidden, got %v", err)
	}
	if _, err := service.DeleteMessage(ctx, "alice", channel.ID, message.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := service.GetMessage(ctx, "alice", channel.ID, message.ID); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected message to be gone, got %v", err)
	}
}
