package protocol

import (
	"encoding/binary"
	"io/fs"
	"unicode/utf8"
)

// Record types. These are stable wire constants; renumbering breaks peers.
const (
	// Handshake (plaintext frames).
	TypeClientHello byte = 0x00
	TypeServerID    byte = 0x01
	TypeKemPK       byte = 0x02
	TypeKemEnv      byte = 0x03
	TypeServerHello byte = 0x04
	TypeClientAuth  byte = 0x05
	TypeHsError     byte = 0x06

	// Streaming.
	TypeFileData  byte = 0x11
	TypeFileClose byte = 0x12
	TypeErrorRec  byte = 0x13

	// Path control.
	TypePathOpen   byte = 0x21
	TypePathAccept byte = 0x22
	TypePathSkip   byte = 0x23

	// Upload.
	TypeUploadOpen byte = 0x30
	TypeUploadOk   byte = 0x31
	TypeUploadFail byte = 0x32
	TypeUploadDone byte = 0x33

	// Download.
	TypeDownloadOpen byte = 0x40
	TypeDownloadDone byte = 0x41

	// Listing.
	TypeListOpen  byte = 0x50
	TypeListChunk byte = 0x51
	TypeListDone  byte = 0x52

	// Rekey.
	TypeRekeyReq byte = 0x60
	TypeRekeyAck byte = 0x61
)

// DigestSize is the length of a FileClose payload (BLAKE2b-256).
const DigestSize = 32

// FilePermission is one portable permission bit, encoded on the wire as a
// single ordinal byte. Absent permissions are simply omitted from the list.
type FilePermission byte

const (
	PermOwnerRead FilePermission = iota
	PermOwnerWrite
	PermOwnerExec
	PermGroupRead
	PermGroupWrite
	PermGroupExec
	PermOtherRead
	PermOtherWrite
	PermOtherExec

	permLimit
)

var permModeBits = [permLimit]fs.FileMode{
	PermOwnerRead:  0o400,
	PermOwnerWrite: 0o200,
	PermOwnerExec:  0o100,
	PermGroupRead:  0o040,
	PermGroupWrite: 0o020,
	PermGroupExec:  0o010,
	PermOtherRead:  0o004,
	PermOtherWrite: 0o002,
	PermOtherExec:  0o001,
}

// PermsFromMode projects a file mode onto the ordered ordinal set.
func PermsFromMode(mode fs.FileMode) []FilePermission {
	var perms []FilePermission
	for p := FilePermission(0); p < permLimit; p++ {
		if mode&permModeBits[p] != 0 {
			perms = append(perms, p)
		}
	}
	return perms
}

// ModeFromPerms reassembles a file mode from permission ordinals. Unknown
// ordinals are ignored so future extensions stay non-fatal.
func ModeFromPerms(perms []FilePermission) fs.FileMode {
	var mode fs.FileMode
	for _, p := range perms {
		if p < permLimit {
			mode |= permModeBits[p]
		}
	}
	return mode
}

// TransferItem describes one file on the wire: a forward-slash relative path
// plus the metadata preserved across the transfer.
type TransferItem struct {
	WirePath string
	Size     int64
	Mtime    int64
	Perms    []FilePermission
}

func appendPath(dst []byte, path string) []byte {
	dst = AppendUvarint(dst, uint64(len(path)))
	return append(dst, path...)
}

func splitPath(buf []byte) (string, []byte, error) {
	n, used, err := Uvarint(buf)
	if err != nil {
		return "", nil, err
	}
	buf = buf[used:]
	if uint64(len(buf)) < n {
		return "", nil, &Error{Code: EcBadPayload}
	}
	path := string(buf[:n])
	if !utf8.ValidString(path) {
		return "", nil, &Error{Code: EcBadPath, Path: path}
	}
	return path, buf[n:], nil
}

func appendPerms(dst []byte, perms []FilePermission) []byte {
	dst = AppendUvarint(dst, uint64(len(perms)))
	for _, p := range perms {
		dst = append(dst, byte(p))
	}
	return dst
}

func splitPerms(buf []byte) ([]FilePermission, []byte, error) {
	n, used, err := Uvarint(buf)
	if err != nil {
		return nil, nil, err
	}
	buf = buf[used:]
	if uint64(len(buf)) < n {
		return nil, nil, &Error{Code: EcBadPayload}
	}
	var perms []FilePermission
	for i := uint64(0); i < n; i++ {
		if buf[i] >= byte(permLimit) {
			return nil, nil, &Error{Code: EcBadPayload}
		}
		perms = append(perms, FilePermission(buf[i]))
	}
	return perms, buf[n:], nil
}

// EncodeUploadOpen serializes an UploadOpen payload:
// varint(path_len) | path | varint(mtime) | varint(perm_count) | ordinals.
func EncodeUploadOpen(item TransferItem) []byte {
	buf := appendPath(nil, item.WirePath)
	buf = AppendUvarint(buf, uint64(item.Mtime))
	return appendPerms(buf, item.Perms)
}

// DecodeUploadOpen parses an UploadOpen payload.
func DecodeUploadOpen(payload []byte) (TransferItem, error) {
	var item TransferItem
	path, rest, err := splitPath(payload)
	if err != nil {
		return item, err
	}
	mtime, used, err := Uvarint(rest)
	if err != nil {
		return item, err
	}
	perms, rest, err := splitPerms(rest[used:])
	if err != nil {
		return item, err
	}
	if len(rest) != 0 {
		return item, &Error{Code: EcBadPayload}
	}
	item.WirePath = path
	item.Mtime = int64(mtime)
	item.Perms = perms
	return item, nil
}

// EncodePathOpen serializes a PathOpen payload:
// varint(path_len) | path | varint(size) | varint(mtime) | perms.
func EncodePathOpen(item TransferItem) []byte {
	buf := appendPath(nil, item.WirePath)
	buf = AppendUvarint(buf, uint64(item.Size))
	buf = AppendUvarint(buf, uint64(item.Mtime))
	return appendPerms(buf, item.Perms)
}

// DecodePathOpen parses a PathOpen payload.
func DecodePathOpen(payload []byte) (TransferItem, error) {
	var item TransferItem
	path, rest, err := splitPath(payload)
	if err != nil {
		return item, err
	}
	size, used, err := Uvarint(rest)
	if err != nil {
		return item, err
	}
	rest = rest[used:]
	mtime, used, err := Uvarint(rest)
	if err != nil {
		return item, err
	}
	perms, rest, err := splitPerms(rest[used:])
	if err != nil {
		return item, err
	}
	if len(rest) != 0 {
		return item, &Error{Code: EcBadPayload}
	}
	item.WirePath = path
	item.Size = int64(size)
	item.Mtime = int64(mtime)
	item.Perms = perms
	return item, nil
}

// EncodePathRequest serializes the DownloadOpen/ListOpen payload:
// varint(path_len) | path.
func EncodePathRequest(wirePath string) []byte {
	return appendPath(nil, wirePath)
}

// DecodePathRequest parses a DownloadOpen/ListOpen payload.
func DecodePathRequest(payload []byte) (string, error) {
	path, rest, err := splitPath(payload)
	if err != nil {
		return "", err
	}
	if len(rest) != 0 {
		return "", &Error{Code: EcBadPayload}
	}
	return path, nil
}

// Entry kinds inside a ListChunk.
const (
	EntryFile byte = 0
	EntryDir  byte = 1
)

// ListEntry is one name inside a listing chunk.
type ListEntry struct {
	Path string
	Size int64
	Kind byte
}

// AppendListEntry serializes one listing entry onto dst:
// varint(path_len) | path | varint(size) | kind(u8).
func AppendListEntry(dst []byte, e ListEntry) []byte {
	dst = appendPath(dst, e.Path)
	dst = AppendUvarint(dst, uint64(e.Size))
	return append(dst, e.Kind)
}

// DecodeListChunk parses the concatenated entries of a ListChunk payload.
func DecodeListChunk(payload []byte) ([]ListEntry, error) {
	var entries []ListEntry
	for len(payload) > 0 {
		path, rest, err := splitPath(payload)
		if err != nil {
			return nil, err
		}
		size, used, err := Uvarint(rest)
		if err != nil {
			return nil, err
		}
		rest = rest[used:]
		if len(rest) < 1 {
			return nil, &Error{Code: EcBadPayload}
		}
		kind := rest[0]
		if kind != EntryFile && kind != EntryDir {
			return nil, &Error{Code: EcBadPayload}
		}
		entries = append(entries, ListEntry{Path: path, Size: int64(size), Kind: kind})
		payload = rest[1:]
	}
	return entries, nil
}

// EpochBytes encodes a rekey epoch as the four little-endian bytes carried by
// RekeyReq and RekeyAck.
func EpochBytes(epoch uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], epoch)
	return b[:]
}

// DecodeEpochBytes parses a RekeyReq/RekeyAck payload.
func DecodeEpochBytes(payload []byte) (uint32, error) {
	if len(payload) != 4 {
		return 0, &Error{Code: EcBadPayload}
	}
	return binary.LittleEndian.Uint32(payload), nil
}
