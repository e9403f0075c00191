// Package workerproto implements the framing layer of the Nix daemon
// wire protocol: little-endian u64 integers, length-prefixed byte
// strings padded to an 8-byte boundary (the same scheme pkg/nar/reader
// uses for NAR), the client/server handshake, and opcode framing. It
// does not implement the operations themselves — just enough to read a
// request's header and settings and to write a matching reply.
package workerproto

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ClientMagic and ServerMagic are exchanged during the handshake: the
// client sends ClientMagic first, the server replies with ServerMagic
// followed by its protocol version.
const (
	ClientMagic uint64 = 0x6e697863
	ServerMagic uint64 = 0x6478696f
)

// StderrLast marks the end of a stream of log/stderr frames.
const StderrLast uint64 = 0x616c7473

// MaxSettingSize bounds the length of a single setting name or value.
const MaxSettingSize = 1024

// Version packs a (major, minor) protocol version the way the wire
// does: minor in the low byte, major above it.
type Version struct {
	Major, Minor uint8
}

// Pack encodes v the way the handshake puts it on the wire.
func (v Version) Pack() uint64 {
	return uint64(v.Major)<<8 | uint64(v.Minor)
}

// UnpackVersion decodes a packed protocol version.
func UnpackVersion(u uint64) Version {
	return Version{Major: uint8(u >> 8), Minor: uint8(u)}
}

// MinVersion is the oldest client/server protocol version this package
// will negotiate with.
var MinVersion = Version{Major: 1, Minor: 10}

// AtLeast reports whether v is >= other.
func (v Version) AtLeast(other Version) bool {
	if v.Major != other.Major {
		return v.Major > other.Major
	}
	return v.Minor >= other.Minor
}

// Reader reads worker-protocol primitives off of r.
type Reader struct{ r io.Reader }

// NewReader wraps r for worker-protocol framing reads.
func NewReader(r io.Reader) *Reader { return &Reader{r: r} }

// Writer writes worker-protocol primitives to w.
type Writer struct{ w io.Writer }

// NewWriter wraps w for worker-protocol framing writes.
func NewWriter(w io.Writer) *Writer { return &Writer{w: w} }

// ReadUint64 reads a little-endian u64.
func (r *Reader) ReadUint64() (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r.r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteUint64 writes a little-endian u64.
func (w *Writer) WriteUint64(v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := w.w.Write(buf[:])
	return err
}

// ReadBool reads a u64 and interprets any nonzero value as true.
func (r *Reader) ReadBool() (bool, error) {
	v, err := r.ReadUint64()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// WriteBool writes a bool as a u64 0 or 1.
func (w *Writer) WriteBool(b bool) error {
	if b {
		return w.WriteUint64(1)
	}
	return w.WriteUint64(0)
}

func paddedLen(n uint64) uint64 {
	pad := (8 - n%8) % 8
	return n + pad
}

// ReadString reads a length-prefixed, 8-byte-padded byte string, erroring
// if its length falls outside [0, maxLen].
func (r *Reader) ReadString(maxLen uint64) (string, error) {
	length, err := r.ReadUint64()
	if err != nil {
		return "", err
	}
	if length > maxLen {
		return "", fmt.Errorf("string of length %d exceeds max %d", length, maxLen)
	}

	buf := make([]byte, paddedLen(length))
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return "", err
	}
	for _, b := range buf[length:] {
		if b != 0 {
			return "", fmt.Errorf("non-zero padding byte in string")
		}
	}
	return string(buf[:length]), nil
}

// WriteString writes s as a length-prefixed, zero-padded byte string.
func (w *Writer) WriteString(s string) error {
	if err := w.WriteUint64(uint64(len(s))); err != nil {
		return err
	}
	buf := make([]byte, paddedLen(uint64(len(s))))
	copy(buf, s)
	_, err := w.w.Write(buf)
	return err
}

// Operation identifies a worker-protocol request. Numbering matches the
// Nix 2.20 operation set; operations marked obsolete are still listed so
// a codec built on this package can at least recognize and reject them.
type Operation uint64

const (
	OpIsValidPath                Operation = 1
	OpHasSubstitutes             Operation = 3
	OpQueryPathHash              Operation = 4 // obsolete
	OpQueryReferences            Operation = 5 // obsolete
	OpQueryReferrers             Operation = 6
	OpAddToStore                 Operation = 7
	OpAddTextToStore             Operation = 8 // obsolete
	OpBuildPaths                 Operation = 9
	OpEnsurePath                 Operation = 10
	OpAddTempRoot                Operation = 11
	OpAddIndirectRoot            Operation = 12
	OpSyncWithGC                 Operation = 13
	OpFindRoots                  Operation = 14
	OpExportPath                 Operation = 16 // obsolete
	OpQueryDeriver               Operation = 18 // obsolete
	OpSetOptions                 Operation = 19
	OpCollectGarbage             Operation = 20
	OpQuerySubstitutablePathInfo Operation = 21
	OpQueryDerivationOutputs     Operation = 22 // obsolete
	OpQueryAllValidPaths         Operation = 23
	OpQueryFailedPaths           Operation = 24
	OpClearFailedPaths           Operation = 25
	OpQueryPathInfo              Operation = 26
	OpImportPaths                Operation = 27 // obsolete
	OpQueryDerivationOutputNames Operation = 28 // obsolete
	OpQueryPathFromHashPart      Operation = 29
	OpQuerySubstitutablePathInfos Operation = 30
	OpQueryValidPaths            Operation = 31
	OpQuerySubstitutablePaths    Operation = 32
	OpQueryValidDerivers         Operation = 33
	OpOptimiseStore              Operation = 34
	OpVerifyStore                Operation = 35
	OpBuildDerivation            Operation = 36
	OpAddSignatures              Operation = 37
	OpNarFromPath                Operation = 38
	OpAddToStoreNar              Operation = 39
	OpQueryMissing               Operation = 40
	OpQueryDerivationOutputMap   Operation = 41
	OpRegisterDrvOutput          Operation = 42
	OpQueryRealisation           Operation = 43
	OpAddMultipleToStore         Operation = 44
	OpAddBuildLog                Operation = 45
	OpBuildPathsWithResults      Operation = 46
	OpAddPermRoot                Operation = 47
)

// ReadOp reads the next operation's opcode off the wire.
func (r *Reader) ReadOp() (Operation, error) {
	v, err := r.ReadUint64()
	if err != nil {
		return 0, err
	}
	return Operation(v), nil
}

// WriteOp writes an operation's opcode.
func (w *Writer) WriteOp(op Operation) error {
	return w.WriteUint64(uint64(op))
}

// Verbosity is the log level a client asks the server to limit output to.
type Verbosity uint64

const (
	LvlError Verbosity = iota
	LvlWarn
	LvlNotice
	LvlInfo
	LvlTalkative
	LvlChatty
	LvlDebug
	LvlVomit
)

// Trust reports whether the connecting client is in the trusted-users set.
type Trust uint64

const (
	Trusted    Trust = 1
	NotTrusted Trust = 2
)

// WriteTrust writes a client's trust level (protocol version >= 35).
func (w *Writer) WriteTrust(t Trust) error {
	return w.WriteUint64(uint64(t))
}

// ClientSettings is everything a client sends immediately after the
// handshake to configure the session (SetOptions).
type ClientSettings struct {
	KeepFailed     bool
	KeepGoing      bool
	TryFallback    bool
	Verbosity      Verbosity
	MaxBuildJobs   uint64
	MaxSilentTime  uint64
	VerboseBuild   bool
	BuildCores     uint64
	UseSubstitutes bool
	Overrides      map[string]string
}

// ReadClientSettings parses a ClientSettings frame. clientVersion gates
// the trailing overrides map, added in protocol version 12.
func (r *Reader) ReadClientSettings(clientVersion Version) (*ClientSettings, error) {
	s := &ClientSettings{Overrides: map[string]string{}}

	var err error
	if s.KeepFailed, err = r.ReadBool(); err != nil {
		return nil, err
	}
	if s.KeepGoing, err = r.ReadBool(); err != nil {
		return nil, err
	}
	if s.TryFallback, err = r.ReadBool(); err != nil {
		return nil, err
	}

	verbosity, err := r.ReadUint64()
	if err != nil {
		return nil, err
	}
	if verbosity > uint64(LvlVomit) {
		return nil, fmt.Errorf("invalid verbosity level %d", verbosity)
	}
	s.Verbosity = Verbosity(verbosity)

	if s.MaxBuildJobs, err = r.ReadUint64(); err != nil {
		return nil, err
	}
	if s.MaxSilentTime, err = r.ReadUint64(); err != nil {
		return nil, err
	}
	if _, err := r.ReadUint64(); err != nil { // obsolete useBuildHook
		return nil, err
	}
	if s.VerboseBuild, err = r.ReadBool(); err != nil {
		return nil, err
	}
	if _, err := r.ReadUint64(); err != nil { // obsolete logType
		return nil, err
	}
	if _, err := r.ReadUint64(); err != nil { // obsolete printBuildTrace
		return nil, err
	}
	if s.BuildCores, err = r.ReadUint64(); err != nil {
		return nil, err
	}
	if s.UseSubstitutes, err = r.ReadBool(); err != nil {
		return nil, err
	}

	if clientVersion.AtLeast(Version{Major: 1, Minor: 12}) {
		numOverrides, err := r.ReadUint64()
		if err != nil {
			return nil, err
		}
		for i := uint64(0); i < numOverrides; i++ {
			name, err := r.ReadString(MaxSettingSize)
			if err != nil {
				return nil, err
			}
			value, err := r.ReadString(MaxSettingSize)
			if err != nil {
				return nil, err
			}
			s.Overrides[name] = value
		}
	}

	return s, nil
}

// Handshake performs the client side of the worker-protocol handshake:
// send our magic, read the server's magic and version, send our own
// version, and return the server's.
func Handshake(rw io.ReadWriter, clientVersion Version) (Version, error) {
	w := NewWriter(rw)
	r := NewReader(rw)

	if err := w.WriteUint64(ClientMagic); err != nil {
		return Version{}, fmt.Errorf("sending client magic: %w", err)
	}

	serverMagic, err := r.ReadUint64()
	if err != nil {
		return Version{}, fmt.Errorf("reading server magic: %w", err)
	}
	if serverMagic != ServerMagic {
		return Version{}, fmt.Errorf("unexpected server magic %#x", serverMagic)
	}

	packedVersion, err := r.ReadUint64()
	if err != nil {
		return Version{}, fmt.Errorf("reading server version: %w", err)
	}
	serverVersion := UnpackVersion(packedVersion)
	if !serverVersion.AtLeast(MinVersion) {
		return Version{}, fmt.Errorf("server protocol version %d.%d is below minimum %d.%d",
			serverVersion.Major, serverVersion.Minor, MinVersion.Major, MinVersion.Minor)
	}

	if err := w.WriteUint64(clientVersion.Pack()); err != nil {
		return Version{}, fmt.Errorf("sending client version: %w", err)
	}

	if serverVersion.AtLeast(Version{Major: 1, Minor: 14}) {
		if err := w.WriteUint64(0); err != nil { // obsolete CPU affinity
			return Version{}, err
		}
	}
	if serverVersion.AtLeast(Version{Major: 1, Minor: 11}) {
		if err := w.WriteBool(false); err != nil { // obsolete reserveSpace
			return Version{}, err
		}
	}
	if serverVersion.AtLeast(Version{Major: 1, Minor: 33}) {
		if _, err := r.ReadString(MaxSettingSize); err != nil { // daemon version string
			return Version{}, err
		}
	}
	if serverVersion.AtLeast(Version{Major: 1, Minor: 35}) {
		if _, err := r.ReadUint64(); err != nil { // trust level
			return Version{}, err
		}
	}

	return serverVersion, nil
}
