// Package unpacker implements the privilege-dropping/sandbox setup the
// qrexec-triggered file-copy unpack helper performs before handing off to
// the (separate, out of scope) unpack library, grounded on
// qfile-dom0-unpacker.c's prepare_creds_return_uid/main.
package unpacker

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"
)

// DefaultMaxBytes is DEFAULT_MAX_UPDATES_BYTES: 4 GiB.
const DefaultMaxBytes int64 = 4 << 30

// DefaultMaxFiles is DEFAULT_MAX_UPDATES_FILES.
const DefaultMaxFiles int64 = 2048

// freeSpaceMargin is the fraction of free filesystem space the helper is
// willing to consume, matching main's "take a little margin with 90% of
// the free space."
const freeSpaceMargin = 0.90

// Limits bounds what the unpack library below this helper is allowed to
// write.
type Limits struct {
	MaxBytes int64
	MaxFiles int64
}

// Creds is the resolved identity the helper drops privileges to.
type Creds struct {
	UID       int
	GID       int
	Groups    []int
	Home      string
	Username  string
}

// ResolveUser looks namesOrID up as a username first, then as a numeric
// uid, matching prepare_creds_return_uid's getpwnam/getpwuid fallback.
func ResolveUser(namesOrID string) (Creds, error) {
	u, err := user.Lookup(namesOrID)
	if err != nil {
		if _, numErr := strconv.Atoi(namesOrID); numErr == nil {
			u, err = user.LookupId(namesOrID)
		}
	}
	if err != nil {
		return Creds{}, fmt.Errorf("unpacker: resolve user %q: %w", namesOrID, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return Creds{}, fmt.Errorf("unpacker: non-numeric uid %q for %q", u.Uid, namesOrID)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return Creds{}, fmt.Errorf("unpacker: non-numeric gid %q for %q", u.Gid, namesOrID)
	}
	groupIDs, err := u.GroupIds()
	if err != nil {
		return Creds{}, fmt.Errorf("unpacker: group ids for %q: %w", namesOrID, err)
	}
	groups := make([]int, 0, len(groupIDs))
	for _, g := range groupIDs {
		n, err := strconv.Atoi(g)
		if err != nil {
			continue
		}
		groups = append(groups, n)
	}
	return Creds{UID: uid, GID: gid, Groups: groups, Home: u.HomeDir, Username: u.Username}, nil
}

// ApplyEnv sets $HOME and $USER to match creds, mirroring
// prepare_creds_return_uid's setenv calls.
func (c Creds) ApplyEnv() {
	os.Setenv("HOME", c.Home)
	os.Setenv("USER", c.Username)
}

// DropToFilesystemUID sets the process's gid, supplementary groups and
// filesystem-uid (not its real/effective uid — that happens later, via
// DropRealUID, once the chroot is in place) to creds, matching
// setgid/initgroups/setfsuid.
func DropToFilesystemUID(creds Creds) error {
	if err := unix.Setgid(creds.GID); err != nil {
		return fmt.Errorf("unpacker: setgid: %w", err)
	}
	if err := unix.Setgroups(creds.Groups); err != nil {
		return fmt.Errorf("unpacker: setgroups: %w", err)
	}
	if _, err := unix.SetfsuidRetUid(creds.UID); err != nil {
		return fmt.Errorf("unpacker: setfsuid: %w", err)
	}
	return nil
}

// PrepareIncomingDir creates dir (mode 0700), then chdir+chroot into it,
// matching main's mkdir/chdir/chroot sequence.
func PrepareIncomingDir(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("unpacker: mkdir %s: %w", dir, err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("unpacker: resolve %s: %w", dir, err)
	}
	if err := unix.Chdir(abs); err != nil {
		return fmt.Errorf("unpacker: chdir %s: %w", abs, err)
	}
	if err := unix.Chroot(abs); err != nil {
		return fmt.Errorf("unpacker: chroot %s: %w", abs, err)
	}
	return nil
}

// DropRealUID sets the process's real uid to uid, matching main's setuid
// call after the chroot is established — the point past which the process
// can never regain root.
func DropRealUID(uid int) error {
	if err := unix.Setuid(uid); err != nil {
		return fmt.Errorf("unpacker: setuid: %w", err)
	}
	return nil
}

// FreeSpaceBytes reports 90% of the free space on the filesystem
// containing path, matching main's statvfs-based root_free_space
// calculation.
func FreeSpaceBytes(path string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("unpacker: statfs %s: %w", path, err)
	}
	free := float64(st.Bfree) * float64(st.Bsize) * freeSpaceMargin
	if free < 0 {
		free = 0
	}
	return int64(free), nil
}

// ResolveLimits computes the effective byte/file limits for path: the
// smaller of DefaultMaxBytes and 90% of path's free space, each overridden
// by UPDATES_MAX_BYTES/UPDATES_MAX_FILES if set, matching main's
// bytes_limit/files_limit derivation.
func ResolveLimits(path string) (Limits, error) {
	free, err := FreeSpaceBytes(path)
	if err != nil {
		return Limits{}, err
	}
	limits := Limits{MaxBytes: min64(free, DefaultMaxBytes), MaxFiles: DefaultMaxFiles}
	if v := os.Getenv("UPDATES_MAX_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			limits.MaxBytes = n
		}
	}
	if v := os.Getenv("UPDATES_MAX_FILES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			limits.MaxFiles = n
		}
	}
	return limits, nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// WaitForSpace is the parsed form of the optional "-w [margin]" flag: when
// Enabled, the unpack library below this helper should pause writes until
// at least Margin bytes are free rather than failing outright.
type WaitForSpace struct {
	Enabled bool
	Margin  uint64
}
