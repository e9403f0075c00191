// Package reader implements a hand-rolled parser for the NAR (Nix
// ARchive) wire format: a sequence of 64-bit-little-endian-length-
// prefixed byte strings, padded to 8-byte boundaries, nested into
// "(" "type" ... ")" node tags.
//
// The Reader exposes a flat, tar.Reader-style API: each call to Next
// returns the header of the next node (in depth-first, entries-sorted
// order, exactly as the bytes were written), and for TypeRegular nodes
// the file content is read directly from the Reader itself until the
// byte count in the header is exhausted.
//
// Reader enforces a strict poisoning discipline: once any parse error
// is returned, every subsequent call (to Next or to a content Read)
// returns that same error, since the byte stream's framing is almost
// certainly corrupt from that point on and continuing would produce
// garbage instead of a clear failure. A content reader handed out for
// one entry also becomes invalid (poisoned) the moment Next is called
// again; anything still holding it and trying to Read gets an explicit
// error rather than silently reading bytes that belong to the next
// entry. Callers that don't read a file's content to completion before
// calling Next again are not required to: Next drains whatever is left
// on their behalf.
package reader

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic is the fixed string every NAR stream begins with.
const Magic = "nix-archive-1"

// NodeType identifies the kind of filesystem entry a Header describes.
type NodeType int

const (
	TypeRegular NodeType = iota
	TypeSymlink
	TypeDirectory
)

// Header describes one entry in depth-first traversal order. Path is
// slash-separated and rooted at "/" (the root entry itself is "/").
type Header struct {
	Path       string
	Type       NodeType
	Size       int64
	Executable bool
	LinkTarget string
}

type frame struct {
	path    string
	wrapped bool
}

// Reader parses a NAR byte stream.
type Reader struct {
	r   io.Reader
	err error

	started bool
	stack   []frame

	// state for a TypeRegular entry whose content hasn't been fully
	// consumed (or even touched) yet. hasPending distinguishes "no
	// regular-file entry is open" from "one is open with 0 bytes left".
	hasPending     bool
	pendingSize    int64
	pendingRead    int64
	pendingWrapped bool
	generation     int
}

// New wraps r as a NAR reader.
func New(r io.Reader) *Reader {
	return &Reader{r: r}
}

func (r *Reader) poison(err error) error {
	if r.err == nil {
		r.err = err
	}
	return r.err
}

func readUint64LE(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func readPadding(r io.Reader, n uint64) error {
	pad := (8 - n%8) % 8
	if pad == 0 {
		return nil
	}
	_, err := io.CopyN(io.Discard, r, int64(pad))
	return err
}

func readString(r io.Reader) (string, error) {
	n, err := readUint64LE(r)
	if err != nil {
		return "", fmt.Errorf("reading string length: %w", err)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("reading string contents: %w", err)
	}
	if err := readPadding(r, n); err != nil {
		return "", fmt.Errorf("reading string padding: %w", err)
	}
	return string(buf), nil
}

func expectString(r io.Reader, want string) error {
	got, err := readString(r)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("expected %q, got %q", want, got)
	}
	return nil
}

// finishPending drains any unread bytes from the previous TypeRegular
// entry's content, then consumes its closing tag(s).
func (r *Reader) finishPending() error {
	if !r.hasPending {
		return nil
	}

	remaining := r.pendingSize - r.pendingRead
	if remaining > 0 {
		if _, err := io.CopyN(io.Discard, r.r, remaining); err != nil {
			return fmt.Errorf("draining unread file content: %w", err)
		}
	}
	if err := readPadding(r.r, uint64(r.pendingSize)); err != nil {
		return fmt.Errorf("reading content padding: %w", err)
	}
	if err := expectString(r.r, ")"); err != nil {
		return fmt.Errorf("closing regular node: %w", err)
	}
	if r.pendingWrapped {
		if err := expectString(r.r, ")"); err != nil {
			return fmt.Errorf("closing entry: %w", err)
		}
	}

	r.hasPending = false
	r.pendingSize = 0
	r.pendingRead = 0
	r.pendingWrapped = false
	return nil
}

// openNode parses "(" "type" TYPE ... up to (and possibly past) the
// node's own closing ")", starting right after the "node" keyword (or
// at the very start, for the root). wrapped indicates whether this node
// is itself inside an "entry(...)" tag, in which case a symlink or
// directory-close must also consume the entry's extra closing ")".
func (r *Reader) openNode(path string, wrapped bool) (*Header, error) {
	if err := expectString(r.r, "("); err != nil {
		return nil, r.poison(fmt.Errorf("opening node: %w", err))
	}
	if err := expectString(r.r, "type"); err != nil {
		return nil, r.poison(fmt.Errorf("reading node type tag: %w", err))
	}
	typ, err := readString(r.r)
	if err != nil {
		return nil, r.poison(fmt.Errorf("reading node type: %w", err))
	}

	switch typ {
	case "regular":
		executable := false
		tok, err := readString(r.r)
		if err != nil {
			return nil, r.poison(err)
		}
		if tok == "executable" {
			if err := expectString(r.r, ""); err != nil {
				return nil, r.poison(err)
			}
			executable = true
			tok, err = readString(r.r)
			if err != nil {
				return nil, r.poison(err)
			}
		}
		if tok != "contents" {
			return nil, r.poison(fmt.Errorf("expected \"contents\", got %q", tok))
		}
		size, err := readUint64LE(r.r)
		if err != nil {
			return nil, r.poison(fmt.Errorf("reading content size: %w", err))
		}

		r.generation++
		r.hasPending = true
		r.pendingSize = int64(size)
		r.pendingRead = 0
		r.pendingWrapped = wrapped

		return &Header{Path: path, Type: TypeRegular, Size: int64(size), Executable: executable}, nil

	case "symlink":
		if err := expectString(r.r, "target"); err != nil {
			return nil, r.poison(err)
		}
		target, err := readString(r.r)
		if err != nil {
			return nil, r.poison(fmt.Errorf("reading symlink target: %w", err))
		}
		if err := expectString(r.r, ")"); err != nil {
			return nil, r.poison(fmt.Errorf("closing symlink node: %w", err))
		}
		if wrapped {
			if err := expectString(r.r, ")"); err != nil {
				return nil, r.poison(fmt.Errorf("closing entry: %w", err))
			}
		}
		return &Header{Path: path, Type: TypeSymlink, LinkTarget: target}, nil

	case "directory":
		r.stack = append(r.stack, frame{path: path, wrapped: wrapped})
		return &Header{Path: path, Type: TypeDirectory}, nil

	default:
		return nil, r.poison(fmt.Errorf("unknown node type %q", typ))
	}
}

// Next returns the next entry header in depth-first order, or io.EOF
// once the archive is fully consumed.
func (r *Reader) Next() (*Header, error) {
	if r.err != nil {
		return nil, r.err
	}
	if err := r.finishPending(); err != nil {
		return nil, r.poison(err)
	}

	if !r.started {
		r.started = true
		if err := expectString(r.r, Magic); err != nil {
			return nil, r.poison(fmt.Errorf("reading magic: %w", err))
		}
		return r.openNode("/", false)
	}

	if len(r.stack) == 0 {
		return nil, io.EOF
	}

	for {
		tok, err := readString(r.r)
		if err != nil {
			return nil, r.poison(fmt.Errorf("reading directory token: %w", err))
		}

		switch tok {
		case ")":
			top := r.stack[len(r.stack)-1]
			r.stack = r.stack[:len(r.stack)-1]
			if top.wrapped {
				if err := expectString(r.r, ")"); err != nil {
					return nil, r.poison(fmt.Errorf("closing entry: %w", err))
				}
			}
			if len(r.stack) == 0 {
				return nil, io.EOF
			}
			continue

		case "entry":
			if err := expectString(r.r, "("); err != nil {
				return nil, r.poison(err)
			}
			if err := expectString(r.r, "name"); err != nil {
				return nil, r.poison(err)
			}
			name, err := readString(r.r)
			if err != nil {
				return nil, r.poison(err)
			}
			if err := expectString(r.r, "node"); err != nil {
				return nil, r.poison(err)
			}

			parent := r.stack[len(r.stack)-1].path
			childPath := parent + "/" + name
			if parent == "/" {
				childPath = "/" + name
			}
			return r.openNode(childPath, true)

		default:
			return nil, r.poison(fmt.Errorf("unexpected directory token %q", tok))
		}
	}
}

// FileReader returns an io.Reader over the content of the TypeRegular
// entry just returned by Next, tagged with the current generation. Once
// Next is called again, reads through a previously-returned FileReader
// fail instead of silently returning bytes belonging to a later entry.
func (r *Reader) FileReader() io.Reader {
	return &fileReader{r: r, generation: r.generation}
}

type fileReader struct {
	r          *Reader
	generation int
}

func (f *fileReader) Read(p []byte) (int, error) {
	if f.generation != f.r.generation {
		return 0, errors.New("nar: stale file reader; Next has already advanced past this entry")
	}
	return f.r.read(p)
}

// read reads from the content of the current TypeRegular entry.
func (r *Reader) read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	if !r.hasPending {
		return 0, errors.New("nar: Read called outside of a regular file entry")
	}

	remaining := r.pendingSize - r.pendingRead
	if remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}

	n, err := r.r.Read(p)
	r.pendingRead += int64(n)
	if err != nil && err != io.EOF {
		return n, r.poison(err)
	}
	return n, err
}
