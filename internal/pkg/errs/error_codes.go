/*
Package errs provides custom error types and application-level error code constants.

These error codes identify specific relay errors both internally and in the
error frames and HTTP envelopes sent to clients.
*/
package errs

// 1xxx: General Request Handling Errors
const (
	// ErrInvalidParams indicates that request parameter validation failed.
	ErrInvalidParams = 1001

	// ErrInvalidJSONFormat indicates that a frame or body was not valid JSON.
	ErrInvalidJSONFormat = 1003

	// ErrRateLimitExceeded indicates that the request rate has exceeded the set limit.
	ErrRateLimitExceeded = 1007

	// ErrUnsupportedEvent indicates that the client sent an event type the relay does not handle.
	ErrUnsupportedEvent = 1008
)

// 2xxx: Conversation, Document and Content Errors
const (
	// ErrConversationNotFound indicates that the referenced conversation does not exist.
	ErrConversationNotFound = 2103

	// ErrDocumentNotFound indicates that the referenced document presence record does not exist.
	ErrDocumentNotFound = 2104

	// ErrMessageContentTooLong indicates that the message content exceeded the maximum length limit.
	ErrMessageContentTooLong = 2201

	// ErrMessageContentEmpty indicates that the message content was blank.
	ErrMessageContentEmpty = 2202
)

// 3xxx: Identity and Authorization Errors
const (
	// ErrUnauthorized indicates a missing or invalid bearer credential.
	ErrUnauthorized = 3001

	// ErrNotParticipant indicates that the user is not a participant of the conversation.
	ErrNotParticipant = 3002

	// ErrNotJoined indicates that the session has not joined the conversation.
	ErrNotJoined = 3003
)

// 4xxx: Transport Errors
const (
	// ErrConnectionClosed indicates that the connection dropped. Never shown to users.
	ErrConnectionClosed = 4001
)

// 5xxx: Internal System Errors
const (
	// ErrUnknown represents an unclassified, general server internal error.
	ErrUnknown = 5000

	// ErrPersistenceFailed indicates that a durable store operation failed.
	ErrPersistenceFailed = 5001
)
