/*

Rededup maintains a content-addressed index over a repository directory
tree and uses the index to detect and report duplicates of files and
directories found elsewhere.

Vocabulary:

- repository: directory tree whose root holds a .rededup/ index directory
- digest: hash over a file's full content; fixed width per algorithm
- equivalent class (EC): maximal set of repository-relative paths whose
	files are byte-identical
- ec id: 32-bit discriminator separating byte-different files that happen
	to share a digest
- signature: (digest, mtime, ec id) record keyed by the file's encoded path
- bucket: index entry listing the ordered member paths of one
	(digest, ec id) class
- report: <input>.report/ directory holding the analyzer's classification
	of an input against the index
- truncation marker: in-store flag present while rebuild is destroying the
	index; its presence on open means the index must be rebuilt

The index lives in a key-value store with three key spaces: c: for
configuration strings, h: for buckets keyed by digest plus big-endian
ec id, and m: for signatures keyed by the null-separated path encoding.

*/
package rededup
