package util

import (
	"hash/crc32"

	"github.com/devrev/edgesync/internal/errors"
)

// CRC32 (Castagnoli) checksums guard cached payloads against silent
// corruption of the local database file.

var crc32Table = crc32.MakeTable(crc32.Castagnoli)

// ComputeChecksum computes a CRC32 checksum for the given data
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32Table)
}

// VerifyChecksum returns a checksum error when data does not match expected
func VerifyChecksum(data []byte, expected uint32) error {
	if actual := ComputeChecksum(data); actual != expected {
		return errors.ChecksumFailed(expected, actual)
	}
	return nil
}
