// Package chat delivers emitted gate outputs to Twitch chat over IRC.
//
// Transport implements gate.Transport. It posts with the bot account's
// effective token (stored credential first, then the legacy env token) and
// keeps one IRC connection open, reconnecting when the token changes after a
// refresh or reconnect.
//
// Sends fail fast with one of the reasons NO_CHANNEL, NO_BOT_NICK,
// NO_OAUTH_TOKEN or EMPTY_TEXT before any connection is attempted.
package chat
