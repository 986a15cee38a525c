package trillsync

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/hlog"
	"github.com/tidwall/gjson"

	"github.com/starspacegroup/trill-sync/internal"
	"github.com/starspacegroup/trill-sync/state"
)

// SyncHandler serves the session state synchronization API.
type SyncHandler struct {
	Storage *state.Storage
}

func NewSyncHandler(storage *state.Storage) *SyncHandler {
	return &SyncHandler{Storage: storage}
}

func (h *SyncHandler) AttachRoutes(r *mux.Router) {
	r.HandleFunc("/sessions", h.withError(h.createSession)).Methods("POST")
	r.HandleFunc("/sessions/{sessionID}", h.withError(h.deleteSession)).Methods("DELETE")
	r.HandleFunc("/sessions/{sessionID}/state", h.withError(h.getSessionState)).Methods("GET")
	r.HandleFunc("/sessions/{sessionID}/state", h.withError(h.putSessionState)).Methods("PUT")
	r.HandleFunc("/sessions/{sessionID}/heartbeat", h.withError(h.heartbeat)).Methods("POST")
	r.HandleFunc("/sessions/{sessionID}/heartbeat", h.withError(h.removePresence)).Methods("DELETE")
}

type memberJSON struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
}

type sessionStateResponse struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	State        internal.StateMap `json:"state"`
	StateVersion int64             `json:"stateVersion"`
	Members      []memberJSON      `json:"members"`
}

type mergeStateResponse struct {
	StateVersion int64             `json:"stateVersion"`
	State        internal.StateMap `json:"state"`
}

func (h *SyncHandler) withError(fn func(w http.ResponseWriter, req *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		err := fn(w, req)
		if err == nil {
			return
		}
		herr, ok := err.(*internal.HandlerError)
		if !ok {
			herr = &internal.HandlerError{
				StatusCode: 500,
				Err:        err,
			}
		}
		if herr.StatusCode >= 500 {
			sentry.CaptureException(herr.Err)
			hlog.FromRequest(req).Err(herr.Err).Msg("request failed")
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(herr.StatusCode)
		w.Write(herr.JSON())
	}
}

// getSessionState returns the session's name, state blob, version and live member
// list as one self-consistent snapshot.
func (h *SyncHandler) getSessionState(w http.ResponseWriter, req *http.Request) error {
	sessionID := mux.Vars(req)["sessionID"]
	snapshot, err := h.Storage.Snapshot(sessionID, time.Now())
	if err != nil {
		return err
	}
	if snapshot == nil {
		return notFound(sessionID)
	}
	stateMap, err := snapshot.Session.StateMap()
	if err != nil {
		return err
	}
	members := make([]memberJSON, 0, len(snapshot.Members))
	for _, m := range snapshot.Members {
		members = append(members, memberJSON{UserID: m.UserID, Username: m.Username, Avatar: m.Avatar})
	}
	return respond(w, 200, sessionStateResponse{
		ID:           snapshot.Session.ID,
		Name:         snapshot.Session.Name,
		State:        stateMap,
		StateVersion: snapshot.Session.StateVersion,
		Members:      members,
	})
}

// putSessionState shallow-merges the caller's partial state onto the session blob and
// returns the new version alongside the merged blob.
func (h *SyncHandler) putSessionState(w http.ResponseWriter, req *http.Request) error {
	if _, herr := h.authenticate(req); herr != nil {
		return herr
	}
	sessionID := mux.Vars(req)["sessionID"]
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return err
	}
	partial, err := internal.ParseStateField(body)
	if err != nil {
		return &internal.HandlerError{StatusCode: 400, Err: err}
	}
	newVersion, merged, err := h.Storage.MergeState(sessionID, partial)
	if err == state.ErrSessionNotFound {
		return notFound(sessionID)
	}
	if err != nil {
		return err
	}
	return respond(w, 200, mergeStateResponse{StateVersion: newVersion, State: merged})
}

// heartbeat refreshes the caller's presence row. Absence of heartbeats is the leave
// signal, so there is no session existence check here; a row for a vanished session
// is invisible to readers and times out on its own.
func (h *SyncHandler) heartbeat(w http.ResponseWriter, req *http.Request) error {
	token, herr := h.authenticate(req)
	if herr != nil {
		return herr
	}
	sessionID := mux.Vars(req)["sessionID"]
	if err := h.Storage.Presence.Upsert(sessionID, token.UserID, token.Username, token.Avatar, time.Now()); err != nil {
		return err
	}
	w.WriteHeader(204)
	return nil
}

// removePresence is the explicit leave: the row goes immediately instead of waiting
// for the timeout.
func (h *SyncHandler) removePresence(w http.ResponseWriter, req *http.Request) error {
	token, herr := h.authenticate(req)
	if herr != nil {
		return herr
	}
	sessionID := mux.Vars(req)["sessionID"]
	if err := h.Storage.Presence.Delete(sessionID, token.UserID); err != nil {
		return err
	}
	w.WriteHeader(204)
	return nil
}

func (h *SyncHandler) createSession(w http.ResponseWriter, req *http.Request) error {
	token, herr := h.authenticate(req)
	if herr != nil {
		return herr
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return err
	}
	name := gjson.GetBytes(body, "name").Str
	if name == "" {
		return &internal.HandlerError{StatusCode: 400, Err: fmt.Errorf("missing 'name' field")}
	}
	session, err := h.Storage.CreateSession(name, token.UserID)
	if err != nil {
		return err
	}
	return respond(w, 201, sessionStateResponse{
		ID:           session.ID,
		Name:         session.Name,
		State:        internal.StateMap{},
		StateVersion: session.StateVersion,
		Members:      []memberJSON{},
	})
}

func (h *SyncHandler) deleteSession(w http.ResponseWriter, req *http.Request) error {
	token, herr := h.authenticate(req)
	if herr != nil {
		return herr
	}
	sessionID := mux.Vars(req)["sessionID"]
	session, err := h.Storage.Sessions.Select(sessionID)
	if err != nil {
		return err
	}
	if session == nil {
		return notFound(sessionID)
	}
	if session.CreatorUserID != token.UserID {
		return &internal.HandlerError{StatusCode: 403, Err: fmt.Errorf("only the creator can destroy a session")}
	}
	if _, err := h.Storage.DeleteSession(sessionID); err != nil {
		return err
	}
	w.WriteHeader(204)
	return nil
}

// authenticate resolves the bearer token to a user identity, or fails the request
// with a 401.
func (h *SyncHandler) authenticate(req *http.Request) (*state.Token, *internal.HandlerError) {
	accessToken := strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
	if accessToken == "" {
		return nil, &internal.HandlerError{StatusCode: 401, Err: fmt.Errorf("missing access token")}
	}
	token, err := h.Storage.Tokens.Lookup(accessToken)
	if err != nil {
		return nil, &internal.HandlerError{StatusCode: 500, Err: err}
	}
	if token == nil {
		return nil, &internal.HandlerError{StatusCode: 401, Err: fmt.Errorf("unknown access token")}
	}
	return token, nil
}

func respond(w http.ResponseWriter, status int, body any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(body)
}

func notFound(sessionID string) *internal.HandlerError {
	return &internal.HandlerError{
		StatusCode: 404,
		Err:        fmt.Errorf("session %s does not exist", sessionID),
	}
}
