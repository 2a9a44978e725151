package server

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pbrebner/dm-api/internal/realtime"
	"github.com/pbrebner/dm-api/internal/users"
)

func TestSignUpLoginRefreshAndLogout(t *testing.T) {
	api := newTestAPI(t)

	recorder := api.do(t, http.MethodPost, "/api/users", "", signUpRequestPayload{Name: "Alice", Email: "Alice@Example.com", Password: testPassword})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if strings.Contains(recorder.Body.String(), "password") {
		t.Fatalf("password hash must not be exposed: %s", recorder.Body.String())
	}

	recorder = api.do(t, http.MethodPost, "/api/users", "", signUpRequestPayload{Name: "Alice", Email: "alice@example.com", Password: testPassword})
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected duplicate email conflict, got %d", recorder.Code)
	}

	recorder = api.do(t, http.MethodPost, "/api/login", "", loginRequestPayload{Email: "alice@example.com", Password: "wrong password"})
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong password, got %d", recorder.Code)
	}
	if code := errorCode(t, recorder); code != "users.authenticate.invalid_credentials" {
		t.Fatalf("unexpected error code %q", code)
	}

	recorder = api.do(t, http.MethodPost, "/api/login", "", loginRequestPayload{Email: "alice@example.com", Password: testPassword})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected login to succeed, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var login tokenResponsePayload
	decodeBody(t, recorder, &login)
	if login.AccessToken == "" || login.TokenType != "Bearer" || login.User == nil {
		t.Fatalf("unexpected login response %+v", login)
	}
	subject, err := api.access.ValidateToken(login.AccessToken)
	if err != nil || subject != login.User.ID {
		t.Fatalf("expected access token for %s, got %q %v", login.User.ID, subject, err)
	}

	cookies := recorder.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != testCookieName || !cookies[0].HttpOnly {
		t.Fatalf("expected an http-only refresh cookie, got %+v", cookies)
	}

	refreshRequest := api.do(t, http.MethodPost, "/api/refresh", "", nil)
	if refreshRequest.Code != http.StatusUnauthorized {
		t.Fatalf("expected refresh without cookie to fail, got %d", refreshRequest.Code)
	}

	request := newJSONRequest(t, http.MethodPost, "/api/refresh", nil)
	request.AddCookie(cookies[0])
	refreshed := serve(api, request)
	if refreshed.Code != http.StatusOK {
		t.Fatalf("expected refresh to succeed, got %d: %s", refreshed.Code, refreshed.Body.String())
	}
	var refreshedToken tokenResponsePayload
	decodeBody(t, refreshed, &refreshedToken)
	if _, err := api.access.ValidateToken(refreshedToken.AccessToken); err != nil {
		t.Fatalf("expected refreshed access token to validate: %v", err)
	}

	// a refresh cookie is not a bearer token
	if recorder := api.do(t, http.MethodGet, "/api/channels", cookies[0].Value, nil); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected refresh token to be rejected as bearer, got %d", recorder.Code)
	}

	logout := api.do(t, http.MethodPost, "/api/logout", "", nil)
	if logout.Code != http.StatusNoContent {
		t.Fatalf("expected 204 on logout, got %d", logout.Code)
	}
	cleared := logout.Result().Cookies()
	if len(cleared) != 1 || cleared[0].MaxAge >= 0 {
		t.Fatalf("expected the refresh cookie to be cleared, got %+v", cleared)
	}
}

func TestProtectedRoutesRequireBearerToken(t *testing.T) {
	api := newTestAPI(t)

	for _, path := range []string{"/api/users", "/api/friends", "/api/channels"} {
		if recorder := api.do(t, http.MethodGet, path, "", nil); recorder.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401 for %s, got %d", path, recorder.Code)
		}
	}
	if recorder := api.do(t, http.MethodGet, "/healthz", "", nil); recorder.Code != http.StatusOK {
		t.Fatalf("expected health check to be public, got %d", recorder.Code)
	}
}

func TestFriendLifecyclePublishesToCounterparty(t *testing.T) {
	api := newTestAPI(t)
	alice, aliceToken := api.signUp(t, "Alice")
	bob, bobToken := api.signUp(t, "Bob")
	aliceConn, _ := api.listen(t, "alice-1", alice.ID)
	bobConn, _ := api.listen(t, "bob-1", bob.ID)

	recorder := api.do(t, http.MethodPost, "/api/friends", aliceToken, friendRequestPayload{UserID: bob.ID})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	requests := bobConn.received(realtime.EventFriendRequest)
	if len(requests) != 1 {
		t.Fatalf("expected bob to receive one friend request, got %d", len(requests))
	}
	if payload := requests[0].Data.(friendshipView); payload.FriendID != alice.ID || payload.Status != users.FriendStatusPending {
		t.Fatalf("unexpected friend request payload %+v", payload)
	}
	if len(aliceConn.received(realtime.EventFriendRequest)) != 0 {
		t.Fatalf("the requester should not be notified of their own request")
	}

	if recorder := api.do(t, http.MethodPost, "/api/friends", aliceToken, friendRequestPayload{UserID: bob.ID}); recorder.Code != http.StatusConflict {
		t.Fatalf("expected duplicate request conflict, got %d", recorder.Code)
	}

	recorder = api.do(t, http.MethodPut, "/api/friends/"+alice.ID, bobToken, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected accept to succeed, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if accepts := aliceConn.received(realtime.EventFriendAccept); len(accepts) != 1 {
		t.Fatalf("expected alice to receive one accept, got %d", len(accepts))
	}

	recorder = api.do(t, http.MethodGet, "/api/users", aliceToken, nil)
	var listed struct {
		Users []userView `json:"users"`
	}
	decodeBody(t, recorder, &listed)
	if len(listed.Users) != 1 || listed.Users[0].ID != bob.ID || listed.Users[0].FriendStatus != users.FriendStatusFriends {
		t.Fatalf("expected bob listed as a friend, got %+v", listed.Users)
	}

	recorder = api.do(t, http.MethodDelete, "/api/friends/"+bob.ID, aliceToken, nil)
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204 on removal, got %d", recorder.Code)
	}
	if removals := bobConn.received(realtime.EventFriendRemove); len(removals) != 1 {
		t.Fatalf("expected bob to receive one removal, got %d", len(removals))
	}
	if recorder := api.do(t, http.MethodDelete, "/api/friends/"+bob.ID, aliceToken, nil); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected second removal to be not found, got %d", recorder.Code)
	}
}

func TestChannelMutationsPublishEvents(t *testing.T) {
	api := newTestAPI(t)
	alice, aliceToken := api.signUp(t, "Alice")
	bob, _ := api.signUp(t, "Bob")
	carol, _ := api.signUp(t, "Carol")
	dave, daveToken := api.signUp(t, "Dave")
	api.befriend(t, alice, bob)
	api.befriend(t, alice, carol)

	aliceConn, _ := api.listen(t, "alice-1", alice.ID)
	bobConn, bobLifecycle := api.listen(t, "bob-1", bob.ID)
	carolConn, carolLifecycle := api.listen(t, "carol-1", carol.ID)
	daveConn, _ := api.listen(t, "dave-1", dave.ID)

	recorder := api.do(t, http.MethodPost, "/api/channels", aliceToken, createChannelRequestPayload{Title: "Trip", UserIDs: []string{bob.ID}})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var channel channelView
	decodeBody(t, recorder, &channel)
	for name, conn := range map[string]*recordingConn{"alice": aliceConn, "bob": bobConn} {
		if got := len(conn.received(realtime.EventChannelCreate)); got != 1 {
			t.Fatalf("expected %s to receive one channel create, got %d", name, got)
		}
	}
	if len(daveConn.received(realtime.EventChannelCreate)) != 0 {
		t.Fatalf("non-members must not see the channel")
	}

	again := api.do(t, http.MethodPost, "/api/channels", aliceToken, createChannelRequestPayload{UserIDs: []string{bob.ID}})
	if again.Code != http.StatusOK {
		t.Fatalf("expected existing channel to be returned with 200, got %d", again.Code)
	}
	var existing createChannelResponsePayload
	decodeBody(t, again, &existing)
	if existing.NewChannel || existing.ID != channel.ID {
		t.Fatalf("expected the existing channel, got %+v", existing)
	}
	if got := len(bobConn.received(realtime.EventChannelCreate)); got != 1 {
		t.Fatalf("returning an existing channel must not publish, got %d creates", got)
	}

	if recorder := api.do(t, http.MethodPost, "/api/channels", daveToken, createChannelRequestPayload{UserIDs: []string{alice.ID}}); recorder.Code != http.StatusForbidden {
		t.Fatalf("expected non-friend channel to be forbidden, got %d", recorder.Code)
	}

	if joined := bobLifecycle.Join(context.Background(), channel.ID); joined != 1 {
		t.Fatalf("expected bob to join the channel room, got %d", joined)
	}

	recorder = api.do(t, http.MethodPut, "/api/channels/"+channel.ID, aliceToken, updateChannelRequestPayload{UserID: carol.ID})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected update to succeed, got %d: %s", recorder.Code, recorder.Body.String())
	}
	decodeBody(t, recorder, &channel)
	if diff := cmp.Diff(sortedIDs(alice.ID, bob.ID, carol.ID), channel.Members); diff != "" {
		t.Fatalf("members mismatch (-want +got):\n%s", diff)
	}
	// bob is both in the channel room and his personal room but hears the update once
	if got := len(bobConn.received(realtime.EventChannelUpdate)); got != 1 {
		t.Fatalf("expected bob to receive one update, got %d", got)
	}
	if got := len(carolConn.received(realtime.EventChannelUpdate)); got != 1 {
		t.Fatalf("expected the added member to receive the update, got %d", got)
	}

	carolLifecycle.Join(context.Background(), channel.ID)
	recorder = api.do(t, http.MethodPut, "/api/channels/"+channel.ID, aliceToken, updateChannelRequestPayload{UserID: carol.ID})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected removal to succeed, got %d", recorder.Code)
	}
	if got := len(carolConn.received(realtime.EventChannelUpdate)); got != 2 {
		t.Fatalf("expected the removed member to hear about the removal, got %d", got)
	}
	if api.hub.Rooms().IsSubscribed(carolConn.ID(), realtime.RoomID(channel.ID)) {
		t.Fatalf("expected the removed member to be evicted from the room")
	}

	recorder = api.do(t, http.MethodDelete, "/api/channels/"+channel.ID, aliceToken, nil)
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204 on delete, got %d", recorder.Code)
	}
	for name, conn := range map[string]*recordingConn{"alice": aliceConn, "bob": bobConn} {
		if got := len(conn.received(realtime.EventChannelDelete)); got != 1 {
			t.Fatalf("expected %s to receive one delete, got %d", name, got)
		}
	}
	if len(carolConn.received(realtime.EventChannelDelete)) != 0 {
		t.Fatalf("former members must not hear about the delete")
	}
	if api.hub.Rooms().IsSubscribed(bobConn.ID(), realtime.RoomID(channel.ID)) {
		t.Fatalf("expected the room to be closed")
	}
}

func TestMessageMutationsPublishToChannelRoom(t *testing.T) {
	api := newTestAPI(t)
	alice, aliceToken := api.signUp(t, "Alice")
	bob, bobToken := api.signUp(t, "Bob")
	_, daveToken := api.signUp(t, "Dave")
	api.befriend(t, alice, bob)

	channel, _, err := api.channels.Create(context.Background(), alice.ID, channelsInput(bob.ID))
	if err != nil {
		t.Fatalf("create channel failed: %v", err)
	}
	bobConn, bobLifecycle := api.listen(t, "bob-1", bob.ID)
	idleConn, _ := api.listen(t, "bob-2", bob.ID)
	bobLifecycle.Join(context.Background(), channel.ID)

	path := "/api/channels/" + channel.ID + "/messages"
	recorder := api.do(t, http.MethodPost, path, aliceToken, messageRequestPayload{Content: "hello <b>bob</b>"})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var message struct {
		ID      string `json:"id"`
		Content string `json:"content"`
	}
	decodeBody(t, recorder, &message)
	if message.Content != "hello bbob/b" {
		t.Fatalf("expected sanitized content, got %q", message.Content)
	}

	likes := 2
	if recorder := api.do(t, http.MethodPut, path+"/"+message.ID, bobToken, messageUpdateRequestPayload{Likes: &likes}); recorder.Code != http.StatusOK {
		t.Fatalf("expected like to succeed, got %d", recorder.Code)
	}
	if recorder := api.do(t, http.MethodDelete, path+"/"+message.ID, bobToken, nil); recorder.Code != http.StatusForbidden {
		t.Fatalf("expected non-author delete to be forbidden, got %d", recorder.Code)
	}
	if recorder := api.do(t, http.MethodDelete, path+"/"+message.ID, aliceToken, nil); recorder.Code != http.StatusNoContent {
		t.Fatalf("expected author delete to succeed, got %d", recorder.Code)
	}

	updates := bobConn.received(realtime.EventMessageUpdate)
	actions := make([]string, 0, len(updates))
	for _, update := range updates {
		payload := update.Data.(messageEventPayload)
		if payload.ChannelID != channel.ID || payload.Message.ID != message.ID {
			t.Fatalf("unexpected message event %+v", payload)
		}
		actions = append(actions, payload.Action)
	}
	if diff := cmp.Diff([]string{messageActionCreate, messageActionUpdate, messageActionDelete}, actions); diff != "" {
		t.Fatalf("actions mismatch (-want +got):\n%s", diff)
	}
	if len(idleConn.received(realtime.EventMessageUpdate)) != 0 {
		t.Fatalf("connections that did not join the room must not receive message events")
	}

	if recorder := api.do(t, http.MethodGet, path, daveToken, nil); recorder.Code != http.StatusForbidden {
		t.Fatalf("expected non-member read to be forbidden, got %d", recorder.Code)
	}
	if recorder := api.do(t, http.MethodPost, path, aliceToken, `{"content":`); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected malformed body to be rejected, got %d", recorder.Code)
	}
}

func TestMetricsEndpointExposesRealtimeCollectors(t *testing.T) {
	api := newTestAPI(t)
	alice, _ := api.signUp(t, "Alice")
	api.listen(t, "alice-1", alice.ID)

	recorder := api.do(t, http.MethodGet, "/metrics", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected metrics to be served, got %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "dm_realtime_") {
		t.Fatalf("expected realtime metrics in output")
	}
}

func TestProtectedRoutesRejectMalformedPathIDs(t *testing.T) {
	api := newTestAPI(t)
	_, token := api.signUp(t, "Alice")

	cases := []struct {
		method string
		path   string
		code   string
	}{
		{http.MethodGet, "/api/users/not-a-uuid", "invalid_userId"},
		{http.MethodDelete, "/api/friends/42", "invalid_userId"},
		{http.MethodGet, "/api/channels/general", "invalid_channelId"},
		{http.MethodGet, "/api/channels/0190d9a4-5b8e-7c2a-9f3e-1a2b3c4d5e6f/messages/first", "invalid_messageId"},
	}
	for _, testCase := range cases {
		recorder := api.do(t, testCase.method, testCase.path, token, nil)
		if recorder.Code != http.StatusBadRequest {
			t.Fatalf("%s %s: expected 400, got %d", testCase.method, testCase.path, recorder.Code)
		}
		if code := errorCode(t, recorder); code != testCase.code {
			t.Fatalf("%s %s: expected %q, got %q", testCase.method, testCase.path, testCase.code, code)
		}
	}

	if recorder := api.do(t, http.MethodGet, "/api/channels/0190d9a4-5b8e-7c2a-9f3e-1a2b3c4d5e6f", token, nil); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected a well-formed unknown channel id to reach the service, got %d", recorder.Code)
	}
}
