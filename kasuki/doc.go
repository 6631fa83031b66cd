// Package kasuki implements a Discord bot that maintains, for every member
// of every guild it serves, a derived "profile color" computed from the
// member's avatar image.
//
// The bot periodically enumerates the full membership of each guild,
// detects members whose avatar has changed since the last pass, recomputes
// the average avatar color for those members, and persists the result
// alongside a re-encoded copy of the avatar. A second, event-driven path
// performs the same work for a single member whenever their membership or
// profile changes.
//
// Key components of the package include:
//
//   - Kasuki: The main struct that encapsulates the bot's core functionality.
//   - Discord: Handles the gateway session, guild member pagination, and
//     membership events.
//   - Blacklist: A periodically refreshed snapshot of user IDs excluded
//     from the pipeline.
//   - MemberColor: The persisted per-user record of the computed color and
//     re-encoded avatar image.
//   - API: A read-only HTTP API exposing stored colors and bot health.
//
// Stored MemberColor rows are consumed by presentation features (profile
// embeds, composed guild images); this package only produces and serves
// them.
package kasuki
