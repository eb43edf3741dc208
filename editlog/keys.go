package editlog

import (
	"encoding/binary"
)

// Key space, one byte of prefix per record family (doc ids are
// length-prefixed so keys never collide across families):
//
//	'E' len(doc) doc version8   -> TLV edit event
//	'S' len(doc) doc version8   -> TLV snapshot
//	'V' len(doc) doc            -> current version, big-endian uint64
//
// Versions are fixed-width big-endian so a forward iteration over one
// document's 'E' range yields events in version order.
func docPrefix(family byte, docID string) []byte {
	key := make([]byte, 0, 1+binary.MaxVarintLen32+len(docID)+8)
	key = append(key, family)
	key = binary.AppendUvarint(key, uint64(len(docID)))
	return append(key, docID...)
}

func eventKey(docID string, version int64) []byte {
	return binary.BigEndian.AppendUint64(docPrefix('E', docID), uint64(version))
}

func snapshotKey(docID string, version int64) []byte {
	return binary.BigEndian.AppendUint64(docPrefix('S', docID), uint64(version))
}

func versionKey(docID string) []byte {
	return docPrefix('V', docID)
}

func keyVersion(key []byte) int64 {
	if len(key) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(key[len(key)-8:]))
}
