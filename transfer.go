package main

import (
	"bytes"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/depot-sh/depot/crypto"
	"github.com/depot-sh/depot/protocol"
)

// streamFile sends r as FileData records followed by FileClose carrying the
// BLAKE2b-256 digest of the bytes in stream order. The hasher is fresh per
// file and never reused.
func streamFile(s *Session, r io.Reader) error {
	digest := crypto.NewFileDigest()
	buf := make([]byte, fileChunkSize)
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			digest.Write(buf[:n])
			if err := s.sendRecord(protocol.TypeFileData, buf[:n]); err != nil {
				return err
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return &protocol.Error{Code: protocol.EcReadFail, Cause: readErr}
		}
	}
	return s.sendRecord(protocol.TypeFileClose, digest.Sum(nil))
}

// receiveFile consumes FileData records into w until FileClose and verifies
// the digest. A local write failure switches to draining so the stream stays
// framed; the failure surfaces once FileClose arrives. Rekey requests are
// serviced transparently. Transport and peer errors return immediately.
func receiveFile(s *Session, w io.Writer) error {
	digest := crypto.NewFileDigest()
	var writeFailure *protocol.Error
	for {
		typ, payload, err := s.recvRecord()
		if err != nil {
			return err
		}
		switch typ {
		case protocol.TypeFileData:
			digest.Write(payload)
			if writeFailure != nil {
				continue
			}
			if _, err := w.Write(payload); err != nil {
				writeFailure = protocol.OSError(err, protocol.EcWriteFail, "")
			}
		case protocol.TypeFileClose:
			if writeFailure != nil {
				return writeFailure
			}
			if len(payload) != protocol.DigestSize {
				return &protocol.Error{Code: protocol.EcBadPayload}
			}
			if !bytes.Equal(payload, digest.Sum(nil)) {
				return &protocol.Error{Code: protocol.EcChecksum}
			}
			return nil
		case protocol.TypeRekeyReq:
			if err := s.handleRekeyReq(payload); err != nil {
				return err
			}
		case protocol.TypeErrorRec:
			return &protocol.Error{Code: protocol.DecodeErrorCode(payload)}
		default:
			return &protocol.Error{Code: protocol.EcProtocol}
		}
	}
}

func partPath(dest string) string { return dest + partSuffix }

// removePart discards staged bytes; absence is fine.
func removePart(dest string) {
	_ = os.Remove(partPath(dest))
}

// openPart stages the destination. The parent chain is created eagerly;
// existing non-symlink directories are reused.
func openPart(dest string) (*os.File, error) {
	if dir := filepath.Dir(dest); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, protocol.OSError(err, protocol.EcOpenFail, dest)
		}
	}
	f, err := os.OpenFile(partPath(dest), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, protocol.OSError(err, protocol.EcOpenFail, dest)
	}
	return f, nil
}

// commitPart makes the staged file visible: one last exists check when
// overwrite is off, then an atomic rename followed by best-effort metadata.
func commitPart(dest string, item protocol.TransferItem, overwrite bool) error {
	if !overwrite {
		if _, err := os.Lstat(dest); err == nil {
			removePart(dest)
			return &protocol.Error{Code: protocol.EcExists, Path: dest}
		}
	}
	if err := os.Rename(partPath(dest), dest); err != nil {
		removePart(dest)
		return protocol.OSError(err, protocol.EcCommitFail, dest)
	}
	applyItemMeta(dest, item)
	return nil
}

// applyItemMeta sets mtime and permissions best-effort; metadata failures
// never fail a committed transfer.
func applyItemMeta(dest string, item protocol.TransferItem) {
	if item.Mtime > 0 {
		mtime := time.Unix(item.Mtime, 0)
		_ = os.Chtimes(dest, mtime, mtime)
	}
	if len(item.Perms) > 0 {
		_ = os.Chmod(dest, protocol.ModeFromPerms(item.Perms))
	}
}

// localItem pairs a local file with the wire path it travels under.
type localItem struct {
	localPath string
	item      protocol.TransferItem
}

// collectUploadItems expands the argument list into per-file upload items.
// Directories contribute their whole subtree with the top-level name kept in
// the remote path.
func collectUploadItems(localPaths []string, remoteDir string) ([]localItem, error) {
	var items []localItem
	for _, lp := range localPaths {
		info, err := os.Lstat(lp)
		if err != nil {
			return nil, protocol.OSError(err, protocol.EcNotFound, lp)
		}
		if info.Mode().IsRegular() {
			items = append(items, localItem{
				localPath: lp,
				item:      wireItem(path.Join(remoteDir, filepath.Base(lp)), info),
			})
			continue
		}
		if !info.IsDir() {
			return nil, &protocol.Error{Code: protocol.EcBadPath, Path: lp}
		}
		base := filepath.Base(filepath.Clean(lp))
		err = filepath.WalkDir(lp, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.Type().IsRegular() {
				return nil
			}
			fi, err := d.Info()
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(lp, p)
			if err != nil {
				return err
			}
			wp := path.Join(remoteDir, base, filepath.ToSlash(rel))
			items = append(items, localItem{localPath: p, item: wireItem(wp, fi)})
			return nil
		})
		if err != nil {
			return nil, protocol.OSError(err, protocol.EcReadFail, lp)
		}
	}
	return items, nil
}

func wireItem(wirePath string, info fs.FileInfo) protocol.TransferItem {
	return protocol.TransferItem{
		WirePath: wirePath,
		Size:     info.Size(),
		Mtime:    info.ModTime().Unix(),
		Perms:    protocol.PermsFromMode(info.Mode()),
	}
}
