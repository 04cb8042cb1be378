/*
Package bolt implements a low-level key/value store in pure Go. It supports
fully serializable ACID transactions with strict MVCC semantics, via a
single memory-mapped file and a copy-on-write B+tree. Readers and the
writer do not block each other, except while the writer remaps a growing
file: the remap waits for open readers to close, and new readers wait for
the remap.

# Basics

There are only a few types in Bolt: DB, Bucket, Tx, and Cursor. The DB is a
collection of buckets persisted to a single file on disk. Buckets are
collections of key/value pairs within that file, and can themselves nest
other buckets to form a hierarchy. Transactions provide either read-only or
read-write access to one or more buckets, and a Cursor iterates over the
key/value pairs within a bucket in byte-sorted order.

# Transactions

Bolt allows only one read-write transaction at a time but allows as many
read-only transactions as you want at a time. Each transaction has a
consistent view of the data as it existed when the transaction started.

Transactions must not depend on one another and must not be opened from
within one another. The best way to avoid this is to never use a goroutine
within a transaction's closure.
*/
package bolt
