package main

import (
	"errors"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"

	"github.com/depot-sh/depot/crypto"
	"github.com/depot-sh/depot/protocol"
)

// server owns the share root, identity material and accept loop.
type server struct {
	cfg     serverConfig
	store   *identityStore
	clients *allowedClientStore
	sandbox *sandbox

	passphrase *memguard.LockedBuffer

	idMu     sync.Mutex
	hostKeys *crypto.SignKeypair
}

func newServer(cfg serverConfig, store *identityStore, passphrase *memguard.LockedBuffer) (*server, error) {
	sb, err := newSandbox(cfg.Root, cfg.Sandbox)
	if err != nil {
		return nil, err
	}
	srv := &server{
		cfg:        cfg,
		store:      store,
		clients:    &allowedClientStore{},
		sandbox:    sb,
		passphrase: passphrase,
	}
	keys, err := store.loadAllowedClients()
	if err != nil {
		return nil, err
	}
	srv.clients.replace(keys)
	return srv, nil
}

// identity returns the server keypair, generating it lazily on the first
// handshake when a passphrase is configured.
func (srv *server) identity() (*crypto.SignKeypair, error) {
	srv.idMu.Lock()
	defer srv.idMu.Unlock()
	if srv.hostKeys != nil {
		return srv.hostKeys, nil
	}
	id, err := srv.store.serverIdentity(srv.passphrase)
	if err != nil {
		return nil, err
	}
	srv.hostKeys = id
	return id, nil
}

// run accepts connections until the listener dies; one goroutine per
// connection owns the whole session.
func (srv *server) run(ln net.Listener) error {
	serverLog.Noticef("listening on %s (root %s, sandbox %v)", ln.Addr(), srv.cfg.Root, srv.cfg.Sandbox)
	go watchAllowedClientReload(srv.clients, srv.store)
	for {
		conn, err := ln.Accept()
		if err != nil {
			serverLog.Errorf("accept: %v", err)
			return err
		}
		go srv.handleConn(conn)
	}
}

// handleConn runs the handshake and the record dispatch loop to completion.
func (srv *server) handleConn(conn net.Conn) {
	defer conn.Close()
	sid := uuid.NewString()[:8]
	session, err := performServerHandshake(conn, srv)
	if err != nil {
		serverLog.Warningf("[%s] handshake with %s failed: %s", sid, conn.RemoteAddr(), serverErrorText(protocol.CodeOf(err)))
		return
	}
	serverLog.Noticef("[%s] session established with %s", sid, conn.RemoteAddr())
	if err := srv.dispatch(session, sid); err != nil && !errors.Is(err, io.EOF) {
		serverLog.Warningf("[%s] session closed: %s", sid, serverErrorText(protocol.CodeOf(err)))
		return
	}
	serverLog.Noticef("[%s] session closed (%d records in, %d out, %d rekeys)",
		sid, session.stats.recordsRecv, session.stats.recordsSent, session.stats.rekeys)
}

// dispatch serves one request record at a time until the peer goes away.
// Per-item failures answer on the wire and keep the session alive.
func (srv *server) dispatch(session *Session, sid string) error {
	for {
		typ, payload, err := session.recvRecord()
		if err != nil {
			if protocol.CodeOf(err) == protocol.EcClosed {
				return io.EOF
			}
			return err
		}
		switch typ {
		case protocol.TypeUploadOpen:
			err = srv.handleUpload(session, sid, payload)
		case protocol.TypeDownloadOpen:
			err = srv.handleDownload(session, sid, payload)
		case protocol.TypeListOpen:
			err = srv.handleList(session, payload)
		case protocol.TypeRekeyReq:
			err = session.handleRekeyReq(payload)
		case protocol.TypeErrorRec:
			code := protocol.DecodeErrorCode(payload)
			serverLog.Warningf("[%s] peer error: %s", sid, serverErrorText(code))
			if code.SessionFatal() {
				return &protocol.Error{Code: code}
			}
		default:
			_ = session.sendError(protocol.EcProtocol)
			return &protocol.Error{Code: protocol.EcProtocol}
		}
		if err != nil {
			return err
		}
	}
}

// handleUpload runs the receiving half of one file upload. Failures that
// precede UploadOk answer with UploadFail; later failures answer with
// ErrorRec. Either way the `.part` never survives a failure.
func (srv *server) handleUpload(session *Session, sid string, payload []byte) error {
	item, err := protocol.DecodeUploadOpen(payload)
	if err != nil {
		return session.sendRecord(protocol.TypeUploadFail, []byte{byte(protocol.CodeOf(err))})
	}
	dest, err := srv.sandbox.resolve(item.WirePath)
	if err != nil {
		return session.sendRecord(protocol.TypeUploadFail, []byte{byte(protocol.CodeOf(err))})
	}
	if !srv.cfg.Overwrite {
		if _, err := os.Lstat(dest); err == nil {
			return session.sendRecord(protocol.TypeUploadFail, []byte{byte(protocol.EcExists)})
		}
	}
	f, err := openPart(dest)
	if err != nil {
		return session.sendRecord(protocol.TypeUploadFail, []byte{byte(protocol.CodeOf(err))})
	}
	if err := session.sendRecord(protocol.TypeUploadOk, nil); err != nil {
		f.Close()
		removePart(dest)
		return err
	}

	err = receiveFile(session, f)
	f.Close()
	if err != nil {
		removePart(dest)
		code := protocol.CodeOf(err)
		if code.SessionFatal() {
			return err
		}
		return session.sendError(code)
	}
	if err := commitPart(dest, item, srv.cfg.Overwrite); err != nil {
		return session.sendError(protocol.CodeOf(err))
	}
	serverLog.Noticef("[%s] upload committed: %s (%d bytes)", sid, item.WirePath, item.Size)
	return session.sendRecord(protocol.TypeUploadDone, nil)
}

// handleDownload serves one DownloadOpen request: a single file or a whole
// subtree, one file at a time, each gated on PathAccept/PathSkip. The request
// ends with DownloadDone, or with a request-level ErrorRec when it could not
// be served.
func (srv *server) handleDownload(session *Session, sid string, payload []byte) error {
	wirePath, err := protocol.DecodePathRequest(payload)
	if err != nil {
		return session.sendError(protocol.CodeOf(err))
	}
	resolved, err := srv.sandbox.resolve(wirePath)
	if err != nil {
		return session.sendError(protocol.CodeOf(err))
	}
	info, err := os.Lstat(resolved)
	if err != nil {
		return session.sendError(protocol.OSErrorCode(err, protocol.EcNotFound))
	}

	var files []localItem
	if info.IsDir() {
		walkErr := filepath.WalkDir(resolved, func(p string, d fs.DirEntry, err error) error {
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
			rel, err := filepath.Rel(resolved, p)
			if err != nil {
				return err
			}
			wp := path.Join(wirePath, filepath.ToSlash(rel))
			files = append(files, localItem{localPath: p, item: wireItem(wp, fi)})
			return nil
		})
		if walkErr != nil {
			return session.sendError(protocol.OSErrorCode(walkErr, protocol.EcReadFail))
		}
	} else {
		if err := requireRegular(resolved); err != nil {
			return session.sendError(protocol.CodeOf(err))
		}
		files = []localItem{{localPath: resolved, item: wireItem(wirePath, info)}}
	}

	for _, file := range files {
		// The stream sender proposes rekeys, only between files.
		if session.rekeyDue() {
			if err := session.proposeRekey(); err != nil {
				return err
			}
		}
		proceed, err := srv.offerFile(session, file)
		if err != nil {
			code := protocol.CodeOf(err)
			if code.SessionFatal() || code == protocol.EcClosed {
				return err
			}
			serverLog.Warningf("[%s] download of %s aborted: %s", sid, file.item.WirePath, serverErrorText(code))
			break
		}
		if !proceed {
			continue
		}
	}
	return session.sendRecord(protocol.TypeDownloadDone, nil)
}

// offerFile announces one file with PathOpen, awaits the client's ack, and
// streams the contents on PathAccept. Per-item ErrorRecs arriving in the ack
// window refer to the previous file and are logged without consuming the
// pending offer.
func (srv *server) offerFile(session *Session, file localItem) (bool, error) {
	if err := session.sendRecord(protocol.TypePathOpen, protocol.EncodePathOpen(file.item)); err != nil {
		return false, err
	}
	for {
		typ, payload, err := session.recvRecord()
		if err != nil {
			return false, err
		}
		switch typ {
		case protocol.TypePathAccept:
			f, err := os.Open(file.localPath)
			if err != nil {
				// The client is now waiting for FileData; an ErrorRec ends
				// the file on its side too.
				osErr := protocol.OSError(err, protocol.EcReadFail, file.localPath)
				_ = session.sendError(protocol.CodeOf(osErr))
				return false, osErr
			}
			err = streamFile(session, f)
			f.Close()
			if err != nil {
				if protocol.CodeOf(err) == protocol.EcReadFail {
					_ = session.sendError(protocol.EcReadFail)
				}
				return false, err
			}
			return true, nil
		case protocol.TypePathSkip:
			return false, nil
		case protocol.TypeRekeyReq:
			if err := session.handleRekeyReq(payload); err != nil {
				return false, err
			}
		case protocol.TypeErrorRec:
			code := protocol.DecodeErrorCode(payload)
			if code.PerItem() {
				serverLog.Warningf("peer reported %s for previous item", serverErrorText(code))
				continue
			}
			return false, &protocol.Error{Code: code}
		default:
			return false, &protocol.Error{Code: protocol.EcProtocol}
		}
	}
}

// handleList answers ListOpen with the immediate children of a directory, or
// a single entry for a regular file. Entries are batched up to the chunk
// target.
func (srv *server) handleList(session *Session, payload []byte) error {
	wirePath, err := protocol.DecodePathRequest(payload)
	if err != nil {
		return session.sendError(protocol.CodeOf(err))
	}
	resolved, err := srv.sandbox.resolve(wirePath)
	if err != nil {
		return session.sendError(protocol.CodeOf(err))
	}
	info, err := os.Lstat(resolved)
	if err != nil {
		return session.sendError(protocol.OSErrorCode(err, protocol.EcNotFound))
	}

	var chunk []byte
	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		err := session.sendRecord(protocol.TypeListChunk, chunk)
		chunk = chunk[:0]
		return err
	}

	if info.Mode().IsRegular() {
		chunk = protocol.AppendListEntry(chunk, protocol.ListEntry{
			Path: path.Base(wirePath), Size: info.Size(), Kind: protocol.EntryFile,
		})
	} else if info.IsDir() {
		entries, err := os.ReadDir(resolved)
		if err != nil {
			return session.sendError(protocol.OSErrorCode(err, protocol.EcReadFail))
		}
		for _, e := range entries {
			kind := protocol.EntryFile
			var size int64
			if e.IsDir() {
				kind = protocol.EntryDir
			} else if fi, err := e.Info(); err == nil {
				size = fi.Size()
			}
			chunk = protocol.AppendListEntry(chunk, protocol.ListEntry{Path: e.Name(), Size: size, Kind: kind})
			if len(chunk) >= listChunkTarget {
				if err := flush(); err != nil {
					return err
				}
			}
		}
	} else {
		return session.sendError(protocol.EcBadPath)
	}

	if err := flush(); err != nil {
		return err
	}
	return session.sendRecord(protocol.TypeListDone, nil)
}
