// Package cmd defines the mirror command line.
//
// Architecture overview:
//   - Remote source: internal/source lists the user's bookmarks page by page (internal/source/pixiv) and
//     caches pages in a Sequence. A View flips the sequence when a run goes oldest first.
//   - Offset resolution: internal/resolver probes the library to find where the previous run stopped, so a run
//     only walks the part of the listing that is not stored yet.
//   - Download scheduler: internal/scheduler feeds bookmarks through a bounded queue to a fixed worker pool.
//     Every outbound request passes the global pacing gate and the retry policy in internal/fetch. Payloads go to
//     the content store (local disk or GCS) before the item is committed, so the library never references a
//     missing file.
//   - Library: internal/library wraps one driver (docfile, mongodb or postgres) behind a single facade with
//     transactional upserts, a trash, and a digest used to compare libraries.
//   - Reporting: a run ends with a digest, a notification (zap log and optionally Pub/Sub), and for the docfile
//     backend an optional git snapshot of the data file.
//
// Commands:
//   - run: mirror the configured bookmarks. --start/--stop pin the slice, --ascending walks oldest first.
//   - migrate: copy one library into another, e.g. docfile to mongodb, and compare digests.
//   - digest, check, delete: inspect and maintain the configured library.
//
// Configuration comes from a YAML file (--config), a .env file, and MIRROR_* environment variables.
package cmd
