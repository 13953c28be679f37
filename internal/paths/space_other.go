//go:build !unix

package paths

import "errors"

// FreeSpace is not available on this platform.
func (p *Provider) FreeSpace() (uint64, error) {
	return 0, errors.New("free space is not supported on this platform")
}
