// ABOUTME: REST handlers for profile, conversation, user directory and presence queries
// ABOUTME: Complements the websocket transport for clients loading state on startup or reconnect

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/event"
	"github.com/2389/coven-chat/internal/hub"
	"github.com/2389/coven-chat/internal/store"
)

// MeResponse is the JSON response for GET /api/me.
type MeResponse struct {
	UserID      string `json:"user_id"`
	Handle      string `json:"handle"`
	DisplayName string `json:"display_name"`
	Online      bool   `json:"online"`
	Connections int    `json:"connections"`
}

// UserResponse is one entry of GET /api/users and GET /api/users/search.
type UserResponse struct {
	UserID      string `json:"user_id"`
	Handle      string `json:"handle"`
	DisplayName string `json:"display_name"`
	Online      bool   `json:"online"`
}

// UsersResponse is the JSON response for the user listing endpoints.
type UsersResponse struct {
	Users []UserResponse `json:"users"`
}

// AddMembersRequest is the JSON request body for POST /api/conversations/{id}/members.
type AddMembersRequest struct {
	MemberIDs []string `json:"member_ids"`
}

// AddMembersResponse is the JSON response for POST /api/conversations/{id}/members.
type AddMembersResponse struct {
	AddedUserIDs []string           `json:"added_user_ids"`
	Conversation event.Conversation `json:"conversation"`
}

// CreateDirectRequest is the JSON request body for POST /api/conversations/direct.
// Either UserID or Handle names the other participant.
type CreateDirectRequest struct {
	UserID string `json:"user_id,omitempty"`
	Handle string `json:"handle,omitempty"`
}

// CreateGroupRequest is the JSON request body for POST /api/conversations/group.
type CreateGroupRequest struct {
	Title     string   `json:"title"`
	MemberIDs []string `json:"member_ids"`
}

// HistoryResponse is the JSON response for GET /api/conversations/{id}/messages.
type HistoryResponse struct {
	ConversationID string          `json:"conversation_id"`
	Messages       []event.Message `json:"messages"`
}

// OnlineResponse is the JSON response for GET /api/presence/online.
type OnlineResponse struct {
	Online []string `json:"online"`
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes an error response in JSON format.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}

// sendHubError maps a hub error to its HTTP status.
func (g *Gateway) sendHubError(w http.ResponseWriter, err error) {
	status := hub.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		g.logger.Error("request failed", "error", err)
	}
	g.writeJSON(w, status, map[string]string{"error": hub.PublicMessage(err), "code": hub.Code(err)})
}

// handleMe handles GET /api/me.
func (g *Gateway) handleMe(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())
	g.writeJSON(w, http.StatusOK, MeResponse{
		UserID:      id.UserID,
		Handle:      id.Handle,
		DisplayName: id.DisplayName,
		Online:      g.hub.IsOnline(id.UserID),
		Connections: g.hub.Connections(id.UserID),
	})
}

// handleListConversations handles GET /api/conversations.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	sums, err := g.hub.ListConversations(r.Context(), id.UserID)
	if err != nil {
		g.sendHubError(w, err)
		return
	}

	views := make([]event.ConversationSummary, len(sums))
	for i, s := range sums {
		views[i] = event.SummaryFrom(s.Conversation, s.LastMessage, s.Unread)
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"conversations": views})
}

// handleGetConversation handles GET /api/conversations/{id}.
func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	sum, err := g.hub.GetConversation(r.Context(), id.UserID, r.PathValue("id"))
	if err != nil {
		g.sendHubError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, event.SummaryFrom(sum.Conversation, sum.LastMessage, sum.Unread))
}

// handleAddMembers handles POST /api/conversations/{id}/members. Only owners may add.
func (g *Gateway) handleAddMembers(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	var req AddMembersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res, err := g.hub.AddMembers(r.Context(), id.UserID, r.PathValue("id"), req.MemberIDs)
	if err != nil {
		g.sendHubError(w, err)
		return
	}

	resp := AddMembersResponse{
		AddedUserIDs: make([]string, len(res.Added)),
		Conversation: event.ConversationFrom(res.Conversation),
	}
	for i, u := range res.Added {
		resp.AddedUserIDs[i] = u.ID
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleCreateDirect handles POST /api/conversations/direct. It answers 201
// when a conversation was created and 200 when an existing one was found.
func (g *Gateway) handleCreateDirect(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	var req CreateDirectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	otherID := strings.TrimSpace(req.UserID)
	if otherID == "" && req.Handle != "" {
		u, err := g.store.GetUserByHandle(r.Context(), strings.TrimPrefix(strings.TrimSpace(req.Handle), "@"))
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "user not found")
			return
		}
		if err != nil {
			g.sendHubError(w, err)
			return
		}
		otherID = u.ID
	}

	conv, created, err := g.hub.CreateDirect(r.Context(), id.UserID, otherID)
	if err != nil {
		g.sendHubError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	g.writeJSON(w, status, event.ConversationFrom(conv))
}

// handleCreateGroup handles POST /api/conversations/group.
func (g *Gateway) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	var req CreateGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	conv, err := g.hub.CreateGroup(r.Context(), id.UserID, req.Title, req.MemberIDs)
	if err != nil {
		g.sendHubError(w, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, event.ConversationFrom(conv))
}

// handleHistory handles GET /api/conversations/{id}/messages.
// Optional query parameters: before (RFC 3339) and limit (1..200, default 50).
func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())
	conversationID := r.PathValue("id")

	var before time.Time
	if s := r.URL.Query().Get("before"); s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "before must be an RFC 3339 timestamp")
			return
		}
		before = t
	}

	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		parsed, err := strconv.Atoi(s)
		if err != nil || parsed < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	msgs, err := g.hub.History(r.Context(), id.UserID, conversationID, before, limit)
	if err != nil {
		g.sendHubError(w, err)
		return
	}

	resp := HistoryResponse{ConversationID: conversationID, Messages: make([]event.Message, len(msgs))}
	for i, m := range msgs {
		resp.Messages[i] = event.MessageFrom(m)
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleOnline handles GET /api/presence/online?user_id=a&user_id=b.
func (g *Gateway) handleOnline(w http.ResponseWriter, r *http.Request) {
	ids := r.URL.Query()["user_id"]
	online := g.hub.OnlineAmong(ids)
	if online == nil {
		online = []string{}
	}
	g.writeJSON(w, http.StatusOK, OnlineResponse{Online: online})
}

func (g *Gateway) writeUsers(w http.ResponseWriter, users []*store.User) {
	resp := UsersResponse{Users: make([]UserResponse, len(users))}
	for i, u := range users {
		resp.Users[i] = UserResponse{
			UserID:      u.ID,
			Handle:      u.Handle,
			DisplayName: u.DisplayName,
			Online:      g.hub.IsOnline(u.ID),
		}
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleListUsers handles GET /api/users?limit=N (1..200, default 50).
func (g *Gateway) handleListUsers(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		parsed, err := strconv.Atoi(s)
		if err != nil || parsed < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	users, err := g.hub.ListUsers(r.Context(), id.UserID, limit)
	if err != nil {
		g.sendHubError(w, err)
		return
	}
	g.writeUsers(w, users)
}

// handleSearchUsers handles GET /api/users/search?q=text.
func (g *Gateway) handleSearchUsers(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	users, err := g.hub.SearchUsers(r.Context(), id.UserID, r.URL.Query().Get("q"))
	if err != nil {
		g.sendHubError(w, err)
		return
	}
	g.writeUsers(w, users)
}
