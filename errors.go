package main

import (
	"os"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/depot-sh/depot/protocol"
)

var (
	serverLog = logging.MustGetLogger("depot.server")
	clientLog = logging.MustGetLogger("depot.client")
)

// setupLogging installs the console backend shared by both sides.
func setupLogging(verbose bool) {
	format := logging.MustStringFormatter(`%{time:15:04:05.000} %{module} %{level:.4s} %{message}`)
	backend := logging.NewBackendFormatter(logging.NewLogBackend(os.Stderr, "", 0), format)
	leveled := logging.AddModuleLevel(backend)
	if verbose {
		leveled.SetLevel(logging.DEBUG, "")
	} else {
		leveled.SetLevel(logging.NOTICE, "")
	}
	logging.SetBackend(leveled)
}

// clientErrorTexts render taxonomy codes for the operator of the client.
// The wire only ever carries the code byte.
var clientErrorTexts = map[protocol.ErrorCode]string{
	protocol.EcUnknown:    "unknown error reported by the server",
	protocol.EcExists:     "destination file already exists (use --skip-existing to count it as skipped)",
	protocol.EcFilter:     "file was excluded by a server-side filter",
	protocol.EcNoSpace:    "server is out of disk space",
	protocol.EcPerms:      "server denied access to the path",
	protocol.EcAbsolute:   "remote path must be relative",
	protocol.EcUnsafePath: "remote path escapes the share root",
	protocol.EcBadPath:    "remote path is not valid",
	protocol.EcBadPayload: "malformed data on the connection",
	protocol.EcOpenFail:   "server could not open the file",
	protocol.EcWriteFail:  "write failed",
	protocol.EcReadFail:   "read failed",
	protocol.EcNotFound:   "no such remote file or directory",
	protocol.EcTimeout:    "connection timed out",
	protocol.EcChecksum:   "checksum mismatch, transfer discarded",
	protocol.EcConfig:     "server is misconfigured",
	protocol.EcCompat:     "server speaks an incompatible protocol version",
	protocol.EcAuth:       "authentication failed (check PSK, identity, and pinned server key)",
	protocol.EcClosed:     "connection closed unexpectedly",
	protocol.EcConnect:    "could not connect to the server",
	protocol.EcProtocol:   "protocol violation, session aborted",
	protocol.EcCommitFail: "server could not finalize the file",
	protocol.EcConflict:   "concurrent modification detected",
	protocol.EcBadRemote:  "remote identifier is not valid",
}

// serverErrorTexts render the same codes for the server log.
var serverErrorTexts = map[protocol.ErrorCode]string{
	protocol.EcUnknown:    "unknown client error",
	protocol.EcExists:     "destination exists and overwrite is disabled",
	protocol.EcFilter:     "path excluded by filter",
	protocol.EcNoSpace:    "no space left on device",
	protocol.EcPerms:      "permission denied",
	protocol.EcAbsolute:   "client sent an absolute path",
	protocol.EcUnsafePath: "client path escapes the share root",
	protocol.EcBadPath:    "client path invalid",
	protocol.EcBadPayload: "malformed record payload",
	protocol.EcOpenFail:   "open failed",
	protocol.EcWriteFail:  "write failed",
	protocol.EcReadFail:   "read failed",
	protocol.EcNotFound:   "path not found under share root",
	protocol.EcTimeout:    "peer receive timeout",
	protocol.EcChecksum:   "checksum mismatch, staged file removed",
	protocol.EcConfig:     "configuration error (is the key passphrase set?)",
	protocol.EcCompat:     "incompatible client hello",
	protocol.EcAuth:       "client failed authentication",
	protocol.EcClosed:     "peer closed the connection",
	protocol.EcConnect:    "connect failed",
	protocol.EcProtocol:   "protocol violation from peer",
	protocol.EcCommitFail: "atomic commit failed",
	protocol.EcConflict:   "conflicting concurrent writer",
	protocol.EcBadRemote:  "invalid remote identifier",
}

func clientErrorText(code protocol.ErrorCode) string {
	if t, ok := clientErrorTexts[code]; ok {
		return t
	}
	return clientErrorTexts[protocol.EcUnknown]
}

func serverErrorText(code protocol.ErrorCode) string {
	if t, ok := serverErrorTexts[code]; ok {
		return t
	}
	return serverErrorTexts[protocol.EcUnknown]
}
