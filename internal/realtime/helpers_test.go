package realtime

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
)

type recordingConn struct {
	id ConnectionID

	mu     sync.Mutex
	events []Event
	err    error
}

func newRecordingConn(id string) *recordingConn {
	return &recordingConn{id: ConnectionID(id)}
}

func (c *recordingConn) ID() ConnectionID {
	return c.id
}

func (c *recordingConn) Send(event Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, event)
	return nil
}

func (c *recordingConn) failWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *recordingConn) received(kind EventKind) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, event := range c.events {
		if event.Kind == kind {
			out = append(out, event)
		}
	}
	return out
}

type panickingConn struct {
	id ConnectionID
}

func (c panickingConn) ID() ConnectionID {
	return c.id
}

func (c panickingConn) Send(Event) error {
	panic("transport exploded")
}

var errDirectoryUnavailable = errors.New("directory unavailable")

type presenceWrite struct {
	UserID string
	Online bool
}

type fakeDirectory struct {
	mu         sync.Mutex
	friends    map[string][]string
	writes     []presenceWrite
	writeErr   error
	friendsErr error
}

func newFakeDirectory(friends map[string][]string) *fakeDirectory {
	if friends == nil {
		friends = map[string][]string{}
	}
	return &fakeDirectory{friends: friends}
}

func (d *fakeDirectory) SetOnline(_ context.Context, userID string, online bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes = append(d.writes, presenceWrite{UserID: userID, Online: online})
	return d.writeErr
}

func (d *fakeDirectory) FriendsOf(_ context.Context, userID string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.friendsErr != nil {
		return nil, d.friendsErr
	}
	return append([]string(nil), d.friends[userID]...), nil
}

func (d *fakeDirectory) writesFor(userID string) []presenceWrite {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []presenceWrite
	for _, write := range d.writes {
		if write.UserID == userID {
			out = append(out, write)
		}
	}
	return out
}

type staticAuthorizer struct {
	allowed map[string][]string
	err     error
}

func (a staticAuthorizer) CanJoin(_ context.Context, userID string, room RoomID) (bool, error) {
	if a.err != nil {
		return false, a.err
	}
	for _, candidate := range a.allowed[userID] {
		if RoomID(candidate) == room {
			return true, nil
		}
	}
	return false, nil
}

func mustConnect(t *testing.T, hub *Hub, id string) (*Lifecycle, *recordingConn) {
	t.Helper()
	conn := newRecordingConn(id)
	lifecycle, ok := hub.Connect(conn)
	if !ok {
		t.Fatalf("failed to connect %s", id)
	}
	return lifecycle, conn
}

func subscriberIDs(conns []Conn) []string {
	ids := make([]string, 0, len(conns))
	for _, conn := range conns {
		ids = append(ids, string(conn.ID()))
	}
	sort.Strings(ids)
	return ids
}
