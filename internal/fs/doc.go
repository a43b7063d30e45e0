// Package fs is the file layer under the file store and the directory
// archive.
//
// [FileSystem] covers the operations the journal and checkpoint code
// perform, including [FileSystem.SyncDir] so a rename can be made durable.
// [OSFS] is the production implementation and [Default] its instance.
//
// [FaultyFS] wraps a FileSystem for tests and fails writes, syncs, closes,
// renames or directory syncs on demand:
//
//	ffs := fs.NewFaultyFS(nil)
//	ffs.FailSync("permanent.store.tmp", errDiskGone)
//	ffs.SetLimit(4096) // every write past 4 KiB in total fails
//
// [LockFile] takes the exclusive advisory lock that marks a store as in
// use, and [WriteFileAtomic] replaces a checkpoint image through a synced
// temporary file and a rename.
package fs
