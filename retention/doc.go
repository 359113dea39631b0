// Package retention controls the lifetime of the message log.
//
// By default the log is ephemeral: it exists only in memory and is gone
// when the session ends. With retention enabled, a [Policy] keeps messages
// for 24 hours, sweeping expired ones every minute, and can persist the log
// through an [EncryptedFileStore]. [Policy.Wipe] erases everything at once.
package retention
