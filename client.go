package main

import (
	"net"
	"os"

	"github.com/depot-sh/depot/protocol"
)

// transferTally accumulates multi-item results; the CLI exit code reflects
// failed > 0.
type transferTally struct {
	sent     int
	received int
	skipped  int
	failed   int
}

// client drives a single authenticated session end-to-end.
type client struct {
	cfg     clientConfig
	session *Session
	tally   transferTally
}

// dialDepot connects, handshakes, and returns a ready client.
func dialDepot(cfg clientConfig, store *identityStore) (*client, error) {
	conn, err := net.DialTimeout("tcp", cfg.Addr(), cfg.IOTimeout)
	if err != nil {
		return nil, &protocol.Error{Code: protocol.EcConnect, Cause: err}
	}
	session, err := performClientHandshake(conn, &cfg, store)
	if err != nil {
		conn.Close()
		return nil, err
	}
	clientLog.Infof("session established with %s (sandbox %v)", cfg.Addr(), session.serverSandboxed)
	return &client{cfg: cfg, session: session}, nil
}

func (c *client) close() {
	if c.session != nil {
		_ = c.session.Close()
	}
}

// sendMany uploads files and directory trees under remoteDir. Session-fatal
// errors abort the batch; per-item errors are tallied and the batch
// continues.
func (c *client) sendMany(localPaths []string, remoteDir string) error {
	items, err := collectUploadItems(localPaths, remoteDir)
	if err != nil {
		return err
	}
	for _, it := range items {
		// The upload sender proposes rekeys between files.
		if c.session.rekeyDue() {
			if err := c.session.proposeRekey(); err != nil {
				return err
			}
		}
		if err := c.sendFile(it); err != nil {
			code := protocol.CodeOf(err)
			if code.PerItem() {
				clientLog.Warningf("%s: %s", it.item.WirePath, clientErrorText(code))
				c.tally.failed++
				continue
			}
			return err
		}
	}
	return nil
}

// sendFile runs the upload state machine for one file:
// OPEN_WAIT → STREAM → COMMIT_WAIT. Both wait loops service rekey requests
// arriving from the server.
func (c *client) sendFile(it localItem) error {
	if err := c.session.sendRecord(protocol.TypeUploadOpen, protocol.EncodeUploadOpen(it.item)); err != nil {
		return err
	}

	// OPEN_WAIT
	for done := false; !done; {
		typ, payload, err := c.session.recvRecord()
		if err != nil {
			return err
		}
		switch typ {
		case protocol.TypeUploadOk:
			done = true
		case protocol.TypeUploadFail:
			code := protocol.DecodeErrorCode(payload)
			if code == protocol.EcExists && c.cfg.SkipExisting {
				c.tally.skipped++
				return nil
			}
			return &protocol.Error{Code: code, Path: it.item.WirePath}
		case protocol.TypeRekeyReq:
			if err := c.session.handleRekeyReq(payload); err != nil {
				return err
			}
		case protocol.TypeErrorRec:
			return &protocol.Error{Code: protocol.DecodeErrorCode(payload)}
		default:
			return &protocol.Error{Code: protocol.EcProtocol}
		}
	}

	// STREAM
	f, err := os.Open(it.localPath)
	if err != nil {
		return protocol.OSError(err, protocol.EcOpenFail, it.localPath)
	}
	err = streamFile(c.session, f)
	f.Close()
	if err != nil {
		return err
	}

	// COMMIT_WAIT
	for {
		typ, payload, err := c.session.recvRecord()
		if err != nil {
			return err
		}
		switch typ {
		case protocol.TypeUploadDone:
			c.tally.sent++
			clientLog.Infof("sent %s (%d bytes)", it.item.WirePath, it.item.Size)
			return nil
		case protocol.TypeRekeyReq:
			if err := c.session.handleRekeyReq(payload); err != nil {
				return err
			}
		case protocol.TypeErrorRec:
			return &protocol.Error{Code: protocol.DecodeErrorCode(payload), Path: it.item.WirePath}
		default:
			return &protocol.Error{Code: protocol.EcProtocol}
		}
	}
}

// recvMany downloads each remote path under dest. Per-item failures are
// tallied; a pending exists error surfaces after the request finishes so the
// rest of the batch still runs.
func (c *client) recvMany(remotePaths []string, dest string) error {
	for _, rp := range remotePaths {
		if err := c.recvOne(rp, dest); err != nil {
			code := protocol.CodeOf(err)
			if code.PerItem() {
				clientLog.Warningf("%s: %s", rp, clientErrorText(code))
				c.tally.failed++
				continue
			}
			return err
		}
	}
	return nil
}

// recvOne issues one DownloadOpen and consumes the server's stream until
// DownloadDone or a request-level ErrorRec.
func (c *client) recvOne(remotePath, dest string) error {
	if err := c.session.sendRecord(protocol.TypeDownloadOpen, protocol.EncodePathRequest(remotePath)); err != nil {
		return err
	}
	var pending error
	for {
		typ, payload, err := c.session.recvRecord()
		if err != nil {
			return err
		}
		switch typ {
		case protocol.TypePathOpen:
			item, err := protocol.DecodePathOpen(payload)
			if err != nil {
				return err
			}
			if err := c.acceptOrSkip(item, dest, &pending); err != nil {
				return err
			}
		case protocol.TypeDownloadDone:
			return pending
		case protocol.TypeRekeyReq:
			if err := c.session.handleRekeyReq(payload); err != nil {
				return err
			}
		case protocol.TypeErrorRec:
			return &protocol.Error{Code: protocol.DecodeErrorCode(payload), Path: remotePath}
		default:
			return &protocol.Error{Code: protocol.EcProtocol}
		}
	}
}

// acceptOrSkip answers one PathOpen. An existing local target is skipped on
// the wire either way; without skip_existing the exists error is buffered
// until the request completes.
func (c *client) acceptOrSkip(item protocol.TransferItem, dest string, pending *error) error {
	local, err := safeLocalPath(dest, item.WirePath)
	if err != nil {
		// Refuse the file but keep the stream alive.
		if sendErr := c.session.sendRecord(protocol.TypePathSkip, nil); sendErr != nil {
			return sendErr
		}
		*pending = err
		return nil
	}
	if _, statErr := os.Lstat(local); statErr == nil {
		if err := c.session.sendRecord(protocol.TypePathSkip, nil); err != nil {
			return err
		}
		if c.cfg.SkipExisting {
			c.tally.skipped++
		} else {
			*pending = &protocol.Error{Code: protocol.EcExists, Path: local}
		}
		return nil
	}
	if err := c.session.sendRecord(protocol.TypePathAccept, nil); err != nil {
		return err
	}
	if err := c.downloadInto(local, item); err != nil {
		code := protocol.CodeOf(err)
		if code.PerItem() {
			// Report, tally, and keep consuming the request.
			if sendErr := c.session.sendError(code); sendErr != nil {
				return sendErr
			}
			clientLog.Warningf("%s: %s", item.WirePath, clientErrorText(code))
			c.tally.failed++
			return nil
		}
		if code.LocalFatal() {
			_ = c.session.sendError(code)
		}
		return err
	}
	c.tally.received++
	clientLog.Infof("received %s (%d bytes)", item.WirePath, item.Size)
	return nil
}

// downloadInto stages one accepted file and commits it after digest
// verification.
func (c *client) downloadInto(local string, item protocol.TransferItem) error {
	f, err := openPart(local)
	if err != nil {
		return err
	}
	err = receiveFile(c.session, f)
	f.Close()
	if err != nil {
		removePart(local)
		return err
	}
	return commitPart(local, item, c.cfg.Overwrite)
}

// list retrieves a non-recursive remote listing.
func (c *client) list(remotePath string) ([]protocol.ListEntry, error) {
	if err := c.session.sendRecord(protocol.TypeListOpen, protocol.EncodePathRequest(remotePath)); err != nil {
		return nil, err
	}
	var entries []protocol.ListEntry
	for {
		typ, payload, err := c.session.recvRecord()
		if err != nil {
			return nil, err
		}
		switch typ {
		case protocol.TypeListChunk:
			chunk, err := protocol.DecodeListChunk(payload)
			if err != nil {
				return nil, err
			}
			entries = append(entries, chunk...)
		case protocol.TypeListDone:
			return entries, nil
		case protocol.TypeRekeyReq:
			if err := c.session.handleRekeyReq(payload); err != nil {
				return nil, err
			}
		case protocol.TypeErrorRec:
			return nil, &protocol.Error{Code: protocol.DecodeErrorCode(payload), Path: remotePath}
		default:
			return nil, &protocol.Error{Code: protocol.EcProtocol}
		}
	}
}
