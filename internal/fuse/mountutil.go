package fuse

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/objectfs/s3fuse/pkg/errors"
)

const (
	fuseConfPath   = "/etc/fuse.conf"
	procMountsPath = "/proc/mounts"
)

// MountOptions contains FUSE mount options
type MountOptions struct {
	MountPoint string `yaml:"mount_point"`
	FSName     string `yaml:"fsname"`

	AllowOther  bool `yaml:"allow_other"`
	AllowRoot   bool `yaml:"allow_root"`
	AutoUnmount bool `yaml:"auto_unmount"`
	Debug       bool `yaml:"debug"`

	// Kernel caching of lookups and attributes.
	AttrTimeout  time.Duration `yaml:"attr_timeout"`
	EntryTimeout time.Duration `yaml:"entry_timeout"`

	MaxReadAhead int `yaml:"max_read_ahead"`
}

func (o MountOptions) withDefaults() MountOptions {
	if o.FSName == "" {
		o.FSName = "s3-fuse"
	}
	if o.AttrTimeout < 0 {
		o.AttrTimeout = 0
	}
	if o.EntryTimeout < 0 {
		o.EntryTimeout = 0
	}
	if o.MaxReadAhead <= 0 {
		o.MaxReadAhead = 128 * 1024
	}
	return o
}

// userAllowOther reports whether the fuse.conf at path enables user_allow_other.
func userAllowOther(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		if strings.TrimSpace(line) == "user_allow_other" {
			return true, nil
		}
	}
	return false, scanner.Err()
}

var mountsUnescaper = strings.NewReplacer(`\040`, " ", `\011`, "\t", `\012`, "\n", `\134`, `\`)

// isMounted reports whether mountPoint appears as a mount target in the mounts table
// at path.
func isMounted(path, mountPoint string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	target := filepath.Clean(mountPoint)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		if filepath.Clean(mountsUnescaper.Replace(fields[1])) == target {
			return true, nil
		}
	}
	return false, scanner.Err()
}

func mountError(message string, cause error) *errors.ObjectFSError {
	return errors.NewError(errors.ErrCodeMountFailed, message).
		WithComponent("mount").
		WithOperation("mount").
		WithCause(cause)
}
