/*
Package errs provides custom error types and application-level error code constants.

This file defines the map from error codes to the CustomError struct, used to standardize
HTTP responses, WebSocket error frames and internal error handling.
*/
package errs

import "net/http"

// errorMap stores the detailed CustomError struct corresponding to every application error code.
var errorMap = map[int]CustomError{
	// 1xxx: General Request Handling Errors
	ErrInvalidParams:     {Code: ErrInvalidParams, Kind: KindInvalid, Message: "Invalid request parameters.", Status: http.StatusBadRequest},
	ErrInvalidJSONFormat: {Code: ErrInvalidJSONFormat, Kind: KindInvalid, Message: "Unsupported request format.", Status: http.StatusBadRequest},
	ErrRateLimitExceeded: {Code: ErrRateLimitExceeded, Kind: KindInvalid, Message: "Too many requests. Please try again later.", Status: http.StatusTooManyRequests},
	ErrUnsupportedEvent:  {Code: ErrUnsupportedEvent, Kind: KindInvalid, Message: "Unsupported event: %s."},

	// 2xxx: Conversation, Document and Content Errors
	ErrConversationNotFound:  {Code: ErrConversationNotFound, Kind: KindNotFound, Message: "Conversation not found.", Status: http.StatusNotFound},
	ErrDocumentNotFound:      {Code: ErrDocumentNotFound, Kind: KindNotFound, Message: "Document not found.", Status: http.StatusNotFound},
	ErrMessageContentTooLong: {Code: ErrMessageContentTooLong, Kind: KindInvalid, Message: "Message is too long."},
	ErrMessageContentEmpty:   {Code: ErrMessageContentEmpty, Kind: KindInvalid, Message: "Message cannot be empty."},

	// 3xxx: Identity and Authorization Errors
	ErrUnauthorized:   {Code: ErrUnauthorized, Kind: KindAuthentication, Message: "Authentication required.", Status: http.StatusUnauthorized},
	ErrNotParticipant: {Code: ErrNotParticipant, Kind: KindAuthorization, Message: "Not authorized to join this conversation.", Status: http.StatusForbidden},
	ErrNotJoined:      {Code: ErrNotJoined, Kind: KindAuthorization, Message: "Not authorized to access this conversation.", Status: http.StatusForbidden},

	// 4xxx: Transport Errors
	ErrConnectionClosed: {Code: ErrConnectionClosed, Kind: KindTransport, Message: "Connection closed."},

	// 5xxx: Internal System Errors
	ErrUnknown:           {Code: ErrUnknown, Kind: KindInternal, Message: "Something went wrong. Please try again.", Status: http.StatusInternalServerError},
	ErrPersistenceFailed: {Code: ErrPersistenceFailed, Kind: KindPersistence, Message: "Failed to save. Please try again.", Status: http.StatusInternalServerError},
}
