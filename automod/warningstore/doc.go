// Automod component for persisting moderation warnings against community members.
//
// Includes an interface and implementations using gorm (sqlite or postgres) and in-process memory.
//
// Warnings are never deleted. Expiry is a comparison against the current time at query time; the only mutation is a "force expire" which lowers `expires_at` to now.
package warningstore
