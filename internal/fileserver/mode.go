package fileserver

import (
	"fmt"
	"strconv"
	"strings"
)

// Mode selects which surfaces the server exposes. Values are persisted as
// integers; Both is 4, not Website|WebDAV.
type Mode int

const (
	ModeOff                Mode = 0
	ModeFileBrowsing       Mode = 1
	ModeProtocolFileAccess Mode = 2
	ModeBoth               Mode = 4
)

var modeNames = map[Mode]string{
	ModeOff:                "off",
	ModeFileBrowsing:       "web",
	ModeProtocolFileAccess: "webdav",
	ModeBoth:               "both",
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Valid reports whether m is one of the defined modes.
func (m Mode) Valid() bool {
	_, ok := modeNames[m]
	return ok
}

// ServesWeb reports whether the browser page is exposed.
func (m Mode) ServesWeb() bool { return m == ModeFileBrowsing || m == ModeBoth }

// ServesDAV reports whether the WebDAV endpoint is exposed.
func (m Mode) ServesDAV() bool { return m == ModeProtocolFileAccess || m == ModeBoth }

// ModeFromInt converts a persisted integer.
func ModeFromInt(n int) (Mode, error) {
	m := Mode(n)
	if !m.Valid() {
		return ModeOff, fmt.Errorf("invalid server mode %d (want 0, 1, 2 or 4)", n)
	}
	return m, nil
}

// ParseMode accepts the persisted integer or the mode name.
func ParseMode(s string) (Mode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.Atoi(s); err == nil {
		return ModeFromInt(n)
	}
	for m, name := range modeNames {
		if name == s {
			return m, nil
		}
	}
	switch s {
	case "website", "browse", "browsing":
		return ModeFileBrowsing, nil
	case "dav":
		return ModeProtocolFileAccess, nil
	}
	return ModeOff, fmt.Errorf("invalid server mode %q", s)
}
