package rcluster

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/kodeshack/rcluster/internal/streamer"
)

// SendTree pushes the subtree rooted at srcRoot to dst on the slave,
// following the MasterSendsFile wire format: a newline-terminated
// destination path, then one entry per depth-first walk step (root
// included, symlinks skipped), then a final magic+flag handshake.
//
// The caller is expected to have already written the MasterSendsFile flag
// before calling SendTree, and to hold the session lock for the duration of
// the whole push.
func SendTree(s *Session, srcRoot, dst string) error {
	if err := writeLine(s.w, dst); err != nil {
		return fmt.Errorf("%w: writing destination path: %v", ErrIO, err)
	}

	parent := filepath.Dir(srcRoot)

	err := filepath.WalkDir(srcRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("%w: %v", ErrWalk, err)
		}

		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}

		rel, err := filepath.Rel(parent, path)
		if err != nil {
			return fmt.Errorf("%w: relativizing %s: %v", ErrWalk, path, err)
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			return writeEntryHeader(s.w, 0, TypeDir, rel)
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("%w: stat %s: %v", ErrWalk, path, err)
		}

		if err := writeEntryHeader(s.w, uint64(info.Size()), TypeFile, rel); err != nil {
			return err
		}

		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("%w: opening %s: %v", ErrWalk, path, err)
		}
		defer f.Close()

		if _, err := io.Copy(s.w, f); err != nil {
			return fmt.Errorf("%w: streaming %s: %v", ErrIO, path, err)
		}
		if _, err := s.w.Write(s.magic); err != nil {
			return fmt.Errorf("%w: writing file trailer: %v", ErrIO, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Half-close the write side so ReceiveTree's entry loop on the other end
	// sees a clean EOF instead of blocking for an entry that never comes; the
	// read side stays open for the trailing magic+flag ack below. The write
	// side stays closed, so no further request can be sent on this session.
	if err := s.CloseWrite(); err != nil {
		return fmt.Errorf("%w: half-closing after push: %v", ErrIO, err)
	}

	if err := s.ReadMagic(); err != nil {
		return fmt.Errorf("%w: reading push ack magic: %v", ErrIO, err)
	}
	flag, err := s.ReadFlag()
	if err != nil {
		return fmt.Errorf("%w: reading push ack flag: %v", ErrIO, err)
	}
	if flag != SlaveOk {
		return fmt.Errorf("rcluster: unexpected push ack flag %s", flag)
	}
	return nil
}

func writeEntryHeader(w *bufio.Writer, size uint64, ft FileType, relPath string) error {
	var sizeBuf [8]byte
	binary.BigEndian.PutUint64(sizeBuf[:], size)
	if _, err := w.Write(sizeBuf[:]); err != nil {
		return fmt.Errorf("%w: writing entry size: %v", ErrIO, err)
	}
	if err := w.WriteByte(byte(ft)); err != nil {
		return fmt.Errorf("%w: writing entry type: %v", ErrIO, err)
	}
	return writeLine(w, relPath)
}

func writeLine(w *bufio.Writer, s string) error {
	if _, err := w.WriteString(s); err != nil {
		return err
	}
	return w.WriteByte('\n')
}

// ReceiveTree implements the path-sync receiver described in the
// destination-materialization contract: it reads a newline-terminated
// destination path, then loops reading directory-walk entries until the
// sender closes the connection. On a clean end it writes magic+SlaveOk.
func ReceiveTree(s *Session) error {
	dst, err := readLine(s.r)
	if err != nil {
		return fmt.Errorf("%w: reading destination path: %v", ErrIO, err)
	}

	if fi, err := os.Stat(dst); err == nil && !fi.IsDir() {
		return ErrDestinationIsFile
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return fmt.Errorf("%w: creating destination %s: %v", ErrIO, dst, err)
	}

	for {
		var sizeBuf [8]byte
		if _, err := io.ReadFull(s.r, sizeBuf[:]); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("%w: reading entry size: %v", ErrIO, err)
		}

		typeBuf := make([]byte, 1)
		if _, err := io.ReadFull(s.r, typeBuf); err != nil {
			return fmt.Errorf("%w: reading entry type: %v", ErrIO, err)
		}
		ft, err := parseFileType(typeBuf[0])
		if err != nil {
			return err
		}

		rel, err := readLine(s.r)
		if err != nil {
			return fmt.Errorf("%w: reading entry path: %v", ErrIO, err)
		}

		abs, err := joinSafe(dst, rel)
		if err != nil {
			return err
		}

		switch ft {
		case TypeDir:
			if err := os.MkdirAll(abs, 0o755); err != nil {
				return fmt.Errorf("%w: creating directory %s: %v", ErrIO, abs, err)
			}
		case TypeFile:
			if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
				return fmt.Errorf("%w: creating parent of %s: %v", ErrIO, abs, err)
			}
			if err := receiveFile(s, abs); err != nil {
				return err
			}
		}
	}

	if err := s.WriteMagic(); err != nil {
		return fmt.Errorf("%w: writing ack magic: %v", ErrIO, err)
	}
	return s.WriteFlag(SlaveOk)
}

func receiveFile(s *Session, abs string) error {
	f, err := os.Create(abs)
	if err != nil {
		return fmt.Errorf("%w: creating file %s: %v", ErrIO, abs, err)
	}
	defer f.Close()

	dst := bufio.NewWriter(f)
	if err := streamer.StreamUntil(dst, s.r, s.magic); err != nil {
		return fmt.Errorf("%w: receiving file %s: %v", ErrIO, abs, err)
	}
	return nil
}

// joinSafe joins rel onto root after rejecting path traversal: absolute
// paths and ".." components are never allowed to escape root.
func joinSafe(root, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", ErrPathTraversal
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if part == ".." {
			return "", ErrPathTraversal
		}
	}

	abs := filepath.Join(root, rel)
	cleanRoot := filepath.Clean(root)
	if abs != cleanRoot && !strings.HasPrefix(abs, cleanRoot+string(filepath.Separator)) {
		return "", ErrPathTraversal
	}
	return abs, nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(line, "\n"), nil
}
