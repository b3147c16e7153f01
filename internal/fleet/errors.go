package fleet

import "errors"

var (
	// ErrUnknownBot means the bot id is not in the loaded roster.
	ErrUnknownBot = errors.New("unknown bot")

	// ErrNotConnected means the bot has no live connection.
	ErrNotConnected = errors.New("bot not connected")

	// ErrNotAuthenticated means the operation requires a completed handshake.
	ErrNotAuthenticated = errors.New("bot not authenticated")

	// ErrAuthTimeout means the platform never answered the authenticate
	// envelope within the auth-response window.
	ErrAuthTimeout = errors.New("authentication timeout")

	// ErrConnectTimeout means the overall connection window elapsed before
	// authentication succeeded. This includes sessions parked on a pending
	// human auth prompt that was never answered.
	ErrConnectTimeout = errors.New("connection timeout awaiting authentication")

	// ErrConnectionClosed means the transport closed while an operation or
	// wait was in flight.
	ErrConnectionClosed = errors.New("connection closed")
)
