package handler

import (
	"noterelay/internal/app/relay"
	"noterelay/internal/app/store"
	"noterelay/internal/configs"
	"noterelay/internal/pkg/auth/jwt"
)

// AppDeps carries everything the HTTP layer needs.
type AppDeps struct {
	Config        *configs.AppConfig
	Relay         *relay.Relay
	Verifier      jwt.Verifier
	Conversations store.ConversationStore
	Presence      store.PresenceStore
}
