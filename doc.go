// Package distribution defines the data model shared by the components of
// the registry: repositories, tags, manifests, blobs and upload sessions,
// and the RegistryModel through which the protocol engine reads and
// mutates them.
//
// # Manifest
//
// A manifest is identified by the sha256 of the exact bytes it was pushed
// with. Those bytes are stored verbatim and served back unchanged. A
// manifest list may reference children the registry has not seen yet; they
// are recorded as placeholders without bytes until pushed or fetched.
//
// # Tag
//
// A tag maps a name to a manifest inside a repository. Retargeting a tag
// ends the current row and inserts a new one, so the tag keeps a history.
// Hidden temporary tags keep freshly created manifests alive until a named
// tag points at them.
//
// # Blob
//
// Blobs are shared by every repository. A repository sees a blob only
// through a manifest that references it or through a short lived upload
// link created when the blob was pushed or mounted.
package distribution
