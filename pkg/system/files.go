package system

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"syscall"
)

// FileState describes a path on disk.
type FileState struct {
	Exists   bool
	IsDir    bool
	IsLink   bool
	Mode     os.FileMode
	UID      int
	GID      int
	Checksum string
}

// Stat inspects a path without following symlinks. A missing path is not an error.
func Stat(path string) (*FileState, error) {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &FileState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	st := &FileState{
		Exists: true,
		IsDir:  info.IsDir(),
		IsLink: info.Mode()&os.ModeSymlink != 0,
		Mode:   info.Mode() & (os.ModePerm | os.ModeSetuid | os.ModeSetgid | os.ModeSticky),
		UID:    -1,
		GID:    -1,
	}
	if sys, ok := info.Sys().(*syscall.Stat_t); ok {
		st.UID = int(sys.Uid)
		st.GID = int(sys.Gid)
	}
	if info.Mode().IsRegular() {
		sum, err := FileChecksum(path)
		if err != nil {
			return nil, err
		}
		st.Checksum = sum
	}
	return st, nil
}

// Checksum returns the hex sha256 of content.
func Checksum(content []byte) string {
	hash := sha256.Sum256(content)
	return hex.EncodeToString(hash[:])
}

// FileChecksum returns the hex sha256 of a file.
func FileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// WriteFileAtomic writes content to a temporary file in the target directory
// and renames it into place.
func WriteFileAtomic(path string, content []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".galley-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		return fmt.Errorf("failed to set mode: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to move file into place: %w", err)
	}
	return nil
}

// CopyFile copies a file preserving its permissions.
func CopyFile(src, dst string) error {
	sourceFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer sourceFile.Close()

	destFile, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer destFile.Close()

	if _, err := io.Copy(destFile, sourceFile); err != nil {
		return err
	}

	sourceInfo, err := os.Stat(src)
	if err != nil {
		return err
	}
	return os.Chmod(dst, sourceInfo.Mode())
}

// ParseMode parses an octal mode string such as "0644".
func ParseMode(s string) (os.FileMode, error) {
	mode, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid mode %q: %w", s, err)
	}
	if mode > 0o7777 {
		return 0, fmt.Errorf("invalid mode %q: out of range", s)
	}
	fm := os.FileMode(mode & 0o777)
	if mode&0o4000 != 0 {
		fm |= os.ModeSetuid
	}
	if mode&0o2000 != 0 {
		fm |= os.ModeSetgid
	}
	if mode&0o1000 != 0 {
		fm |= os.ModeSticky
	}
	return fm, nil
}

// LookupUser resolves a user name or numeric uid to uid and primary gid.
func LookupUser(name string) (int, int, error) {
	var u *user.User
	var err error
	if _, convErr := strconv.Atoi(name); convErr == nil {
		u, err = user.LookupId(name)
	} else {
		u, err = user.Lookup(name)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("failed to look up user %s: %w", name, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid uid for %s: %w", name, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid gid for %s: %w", name, err)
	}
	return uid, gid, nil
}

// LookupGroup resolves a group name or numeric gid.
func LookupGroup(name string) (int, error) {
	if gid, err := strconv.Atoi(name); err == nil {
		return gid, nil
	}
	g, err := user.LookupGroup(name)
	if err != nil {
		return 0, fmt.Errorf("failed to look up group %s: %w", name, err)
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return 0, fmt.Errorf("invalid gid for %s: %w", name, err)
	}
	return gid, nil
}

// Ownership is the desired owner and group of a path. Empty fields are left alone.
type Ownership struct {
	Owner string
	Group string
}

// Resolve converts names to numeric ids, -1 for unset fields.
func (o Ownership) Resolve() (uid, gid int, err error) {
	uid, gid = -1, -1
	if o.Owner != "" {
		if uid, _, err = LookupUser(o.Owner); err != nil {
			return -1, -1, err
		}
	}
	if o.Group != "" {
		if gid, err = LookupGroup(o.Group); err != nil {
			return -1, -1, err
		}
	}
	return uid, gid, nil
}

// Matches reports whether a file already has the desired ownership.
func (o Ownership) Matches(st *FileState) (bool, error) {
	uid, gid, err := o.Resolve()
	if err != nil {
		return false, err
	}
	if uid >= 0 && st.UID != uid {
		return false, nil
	}
	if gid >= 0 && st.GID != gid {
		return false, nil
	}
	return true, nil
}

// Apply sets the ownership of a path.
func (o Ownership) Apply(path string) error {
	uid, gid, err := o.Resolve()
	if err != nil {
		return err
	}
	if uid < 0 && gid < 0 {
		return nil
	}
	if err := os.Lchown(path, uid, gid); err != nil {
		return fmt.Errorf("failed to set ownership: %w", err)
	}
	return nil
}
