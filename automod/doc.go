// Warning lifecycle engine for chat moderation.
//
// This package (`github.com/referee-bot/referee/automod`) tracks the warnings moderators issue to members of a chat community. Warnings expire after a fixed lifetime; while a member holds any active warning they carry a visible "marker" role, which is assigned and removed by reconciliation. Warnings arrive either directly (API or CLI) or as notifications from a moderation bot, which the `signal` sub-package classifies and parses. Repeat offenders can be escalated to a temporary restriction role.
//
// The actual implementation lives in the `engine` sub-package; this package re-exports the commonly used types. See `cmd/referee` for a daemon built on it.
package automod
