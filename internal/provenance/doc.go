// Package provenance records what the pipeline knows about every monthly
// package it has seen, and when published data changed underneath it.
//
// Two files make up the audit trail:
//
//   - The manifest (JSON) maps each package filename to its content
//     fingerprint, the publisher's declared publication date, when it was
//     last checked, when it was downloaded and an append-only change history.
//   - The changelog (Markdown) holds one human-readable entry per change
//     record in the manifest, in the same order. It is only ever appended to.
//
// A change is detected when a file's fingerprint or declared publication
// date differs from the previous manifest entry. Each change names the backup
// of the replaced version so the old bytes can be recovered.
//
// Key types:
//   - Manifest: the in-memory manifest, loaded and saved as a whole
//   - Changelog: appends rendered entries to the Markdown log
//   - Tracker: runs the detection for one file or a batch
package provenance
