package client

import "sort"

const (
	// emitted for the local client's own session transitions
	EventJoined = "joined"
	EventLeft   = "left"
	// emitted for other members appearing in / vanishing from the member list
	EventMemberJoined = "member-joined"
	EventMemberLeft   = "member-left"
)

type Event struct {
	Type      string
	SessionID string
	UserID    string
	Username  string
}

// DiffMembers compares the previous member set against a fresh member list and returns
// one event per transition: an ID present in now but absent from prev is a join, an ID
// present in prev but absent from now is a leave carrying the last known username.
// It is a pure function; callers are responsible for suppressing the very first
// snapshot after joining, where everyone present would otherwise flood in as "joined".
func DiffMembers(prev map[string]string, now []Member) (events []Event, next map[string]string) {
	next = make(map[string]string, len(now))
	for _, m := range now {
		next[m.UserID] = m.Username
		if _, ok := prev[m.UserID]; !ok {
			events = append(events, Event{Type: EventMemberJoined, UserID: m.UserID, Username: m.Username})
		}
	}
	var left []Event
	for id, username := range prev {
		if _, ok := next[id]; !ok {
			left = append(left, Event{Type: EventMemberLeft, UserID: id, Username: username})
		}
	}
	sort.Slice(left, func(i, j int) bool { return left[i].UserID < left[j].UserID })
	events = append(events, left...)
	return events, next
}

// MemberSet converts a member list into the map form DiffMembers consumes.
func MemberSet(members []Member) map[string]string {
	set := make(map[string]string, len(members))
	for _, m := range members {
		set[m.UserID] = m.Username
	}
	return set
}
