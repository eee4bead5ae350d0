// Package license implements the license lifecycle core for the point of
// sale application: activation, online/offline/cached validation with
// hardware binding, tamper and rollback detection, device-to-device
// transfer, and an append-only validation audit log.
//
// The locally persisted state consists of three artifacts kept next to the
// executable:
//
//   - license.dat: the encrypted LicenseRecord, keyed to the device
//     fingerprint so it cannot be copied to another machine.
//   - license.ledger: an HMAC-signed monotonic ledger holding the highest
//     observed version and lastValidation pair. Kept apart from the record
//     so restoring a backup of license.dat alone cannot roll state back.
//   - license_audit.db: a SQLite database holding the append-only audit
//     log and the transfer history.
//
// Validation runs through Validator.Validate which consults the fingerprint
// manager, the record store, the ledger-backed TamperDetector, and finally
// the issuing authority when reachable, falling back to offline expiry
// computation otherwise. Every call appends exactly one audit entry.
package license
