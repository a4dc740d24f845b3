// Package store provides the SQLite-backed analytical store.
//
// A store is a single database file holding:
//   - tenders: one row per buyer-filtered process per month
//   - awards: one row per award per month, first supplier only
//   - load_runs: one row per Batch Loader run, used to decide whether the
//     file is a complete snapshot
//
// # Snapshots
//
// Two store files exist side by side. The staging store is rebuilt by the
// loaders; the served store is opened read-only by consumers and is only
// ever replaced whole, by renaming the staging file over it.
//
// # Database Configuration
//
//   - journal_mode=DELETE: no WAL or shm side files, so one rename moves a
//     whole committed snapshot. A leftover -journal file marks an
//     interrupted transaction.
//   - synchronous=FULL: a commit is on disk before it returns
//   - busy_timeout=5000: wait for locks up to 5 seconds
//
// # Months
//
// Every row carries a month key "YYYY-MM". ReplaceMonth deletes and
// re-inserts one month inside a single transaction, so a month is either
// fully present or absent.
package store
