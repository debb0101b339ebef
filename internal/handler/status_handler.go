package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"noterelay/internal/app/store"
	"noterelay/internal/pkg/auth/jwt"
	"noterelay/internal/pkg/errs"
	"noterelay/internal/pkg/logx"
	"noterelay/internal/pkg/randx"
	"noterelay/internal/pkg/resp"
)

// HealthStatus is the body of GET /health.
type HealthStatus struct {
	Status      string `json:"status"`
	Service     string `json:"service"`
	Connections int    `json:"connections"`
}

// HandleHealth reports liveness and the number of live connections.
func HandleHealth(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		count, err := deps.Relay.Hub().ConnectionCount()
		if err != nil {
			resp.RespondJSON(w, r, http.StatusServiceUnavailable, resp.JSONResponse{
				Code:    errs.ErrUnknown,
				Message: "relay is shutting down",
				Data:    HealthStatus{Status: "stopping", Service: "noterelay"},
			})
			return
		}

		resp.RespondSuccess(w, r, HealthStatus{Status: "ok", Service: "noterelay", Connections: count})
	}
}

// HandleOnlineUsers lists connected users.
func HandleOnlineUsers(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		users, err := deps.Relay.Hub().OnlineUsers()
		if err != nil {
			resp.RespondError(w, r, errs.NewError(errs.ErrUnknown))
			return
		}

		resp.RespondSuccess(w, r, users)
	}
}

// HandleConversationPresence reports, for each participant of a conversation, whether
// they are online. Only participants may ask.
func HandleConversationPresence(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conversationID := chi.URLParam(r, "id")
		if !randx.IsValidID(conversationID) {
			resp.RespondError(w, r, errs.NewError(errs.ErrInvalidParams))
			return
		}

		conv, err := deps.Conversations.GetConversation(r.Context(), conversationID)
		if errors.Is(err, store.ErrNotFound) {
			resp.RespondError(w, r, errs.NewError(errs.ErrConversationNotFound))
			return
		}
		if err != nil {
			logx.Error(err, "Failed to load conversation", "conversation_id", conversationID)
			resp.RespondError(w, r, errs.NewError(errs.ErrPersistenceFailed))
			return
		}

		requester, _ := jwt.UserFromContext(r.Context())
		if !conv.HasParticipant(requester.ID) {
			resp.RespondError(w, r, errs.NewError(errs.ErrNotParticipant))
			return
		}

		presence, err := deps.Relay.Hub().Presence(conv.Participants)
		if err != nil {
			resp.RespondError(w, r, errs.NewError(errs.ErrUnknown))
			return
		}

		resp.RespondSuccess(w, r, presence)
	}
}

// HandleDocumentPresence returns the current presence records of a document.
func HandleDocumentPresence(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		documentID := chi.URLParam(r, "id")
		if !randx.IsValidID(documentID) {
			resp.RespondError(w, r, errs.NewError(errs.ErrInvalidParams))
			return
		}

		records, err := deps.Presence.ListPresence(r.Context(), documentID)
		if err != nil {
			logx.Error(err, "Failed to list document presence", "document_id", documentID)
			resp.RespondError(w, r, errs.NewError(errs.ErrPersistenceFailed))
			return
		}

		resp.RespondSuccess(w, r, records)
	}
}
