/*

Package db is the local on-disk revision store: a content-addressable,
write-once object database holding versioned trees.

Vocabulary:

- abspath: absolute path on hard disk, including subdirs
- relpath: path relative to db.Dir, including subdirs
- canpath: canonical path; relpath without subdirs
- hash: cryptographic hash of an object
- algo: name (string) describing hash algorithm
- subdir: three-character hexadecimal segment of hash
- subdirs: one or more subdir segments inserted in abspath or relpath
	in order to keep directory sizes small; the number of subdirs is fixed
	at database creation
- block: chunk of file content; deduplication atom; stored as file
- tree: list of blocks; stored as file containing block canpaths, one
	per line; a file's content is the concatenation of its tree's blocks
- node: msgpack record describing one version of a file or directory:
	kind, lineage id, created rev, props, and either a content tree or a
	sorted list of entries pointing at child nodes
- rev: msgpack record naming the root node of a revision, plus author,
	date and log message
- revision link: symlink revs/<n> pointing at the rev object for
	revision n; revs/head points at the youngest
- object: block, tree, node or rev
- address: algo/hash; equal node addresses are the same node version

Revision 0 is created with the database and is always an empty root
directory.

*/
package db
