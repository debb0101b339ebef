package handler

import (
	"net/http"

	"github.com/gorilla/websocket"

	"noterelay/internal/app/relay"
	"noterelay/internal/pkg/auth/jwt"
	"noterelay/internal/pkg/errs"
	"noterelay/internal/pkg/limiter"
	"noterelay/internal/pkg/logx"
	"noterelay/internal/pkg/resp"
)

// HandleWebSocket authenticates the handshake and upgrades the connection. A missing or
// invalid credential is answered with 401 before the upgrade, so no session exists for it.
func HandleWebSocket(deps *AppDeps, upgrader websocket.Upgrader, rateLimiter *limiter.IPRateLimiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !rateLimiter.Allow(r) {
			logx.Warn("WebSocket connection rejected: Rate limit exceeded.", "ip", limiter.ClientIP(r))
			resp.RespondError(w, r, errs.NewError(errs.ErrRateLimitExceeded))
			return
		}

		token := jwt.BearerToken(r)
		if token == "" {
			logx.Info("WebSocket connection rejected: Missing credential.")
			resp.RespondError(w, r, errs.NewError(errs.ErrUnauthorized))
			return
		}

		currentUser, err := deps.Verifier.Verify(r.Context(), token)
		if err != nil {
			logx.Warn("WebSocket connection rejected: Invalid credential.", "error", err.Error())
			resp.RespondError(w, r, errs.NewError(errs.ErrUnauthorized))
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logx.Error(err, "Failed to upgrade connection to WebSocket")
			return
		}

		session := relay.NewSession(currentUser)
		if err := deps.Relay.Connect(session); err != nil {
			logx.Warn("WebSocket connection dropped: relay is shutting down.", "user_id", currentUser.ID)
			_ = conn.Close()
			return
		}

		client := relay.NewClient(deps.Relay, session, conn)

		go client.WritePump()

		logx.Info("WebSocket connection established and session registered",
			"user_id", currentUser.ID, "connection_id", session.ID)

		client.ReadPump(r.Context())
	}
}
