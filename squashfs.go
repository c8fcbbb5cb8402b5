// Package squashfs reads and writes SquashFS filesystem images: the
// read side parses an existing image via New/Open for random-access
// fs.FS-style lookups, and the write side builds a new image in memory
// via NewWriter, Add/PushFile/PushDir/..., and Finalize.
package squashfs
