/*

Pitrepo is the repository-access layer of a version-control system.
Clients describe the tree they hold in a report; the reporter replays
that report against two revision trees and drives an editor with the
edits that bring the client up to date.

Vocabulary:

- revision: an immutable snapshot of the whole tree, numbered from 0
- root: a handle on the tree as of one revision (see Root)
- fspath: a repository path, always starting with "/"
- relpath: a path relative to the report anchor, never starting with "/"
- anchor: the directory a report is rooted at
- operand: the single entry within the anchor being updated; "" means
	the anchor itself
- source: the tree the client claims to have, possibly mixed-revision
- target: the tree the client is being brought to
- report: the (path, revision, depth, lock) facts a client submits
- depth: how far below a directory changes are materialized
- node: one version of a file or directory; nodes of the same lineage
	are related, nodes with the same address are identical
- entry props: server-computed properties (committed-rev,
	committed-date, last-author, uuid, lock-token) attached to visited
	nodes
- editor: the sink receiving structural, content and property edits

The reporter package holds the report codec and the tree delta
driver; db is a content-addressed on-disk revision store; wc applies
edit streams to a working copy on disk; server carries reports and
edit streams over a unix socket.

*/

package pitrepo
