//go:build unix

package paths

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// FreeSpace returns the bytes available to the user on the documents volume.
func (p *Provider) FreeSpace() (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(p.docs, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", p.docs, err)
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}
