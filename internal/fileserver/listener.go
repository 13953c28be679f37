package fileserver

// ClientInfo identifies a connected client by address.
type ClientInfo struct {
	IP         string `json:"ip"`
	RemoteAddr string `json:"remote_addr"`
}

// Op is what happened to a document.
type Op string

const (
	OpUploadBegin    Op = "upload-begin"
	OpUploadComplete Op = "upload-complete"
	OpUploadFailed   Op = "upload-failed"
	OpDownload       Op = "download"
	OpDelete         Op = "delete"
	OpMove           Op = "move"
	OpCopy           Op = "copy"
	OpMkdir          Op = "mkdir"
	OpPropPatch      Op = "proppatch"
)

// Channels a transfer arrived through.
const (
	ChannelWeb = "web"
	ChannelDAV = "webdav"
)

// Transfer describes one file operation. Location is relative to the
// documents root; From is set for moves and copies.
type Transfer struct {
	Location string     `json:"location"`
	From     string     `json:"from,omitempty"`
	Op       Op         `json:"op"`
	Bytes    int64      `json:"bytes,omitempty"`
	Channel  string     `json:"channel"`
	Client   ClientInfo `json:"client"`
}

// Listener receives server activity. Calls arrive on request goroutines and
// must not block for long.
type Listener interface {
	OnConnect(ClientInfo)
	OnUpload(Transfer)
	OnDownload(Transfer)
	OnUpdate(Transfer)
	OnDisconnect(ClientInfo)
}

// ListenerFuncs adapts optional functions to a Listener.
type ListenerFuncs struct {
	Connect    func(ClientInfo)
	Upload     func(Transfer)
	Download   func(Transfer)
	Update     func(Transfer)
	Disconnect func(ClientInfo)
}

var _ Listener = ListenerFuncs{}

func (f ListenerFuncs) OnConnect(c ClientInfo) {
	if f.Connect != nil {
		f.Connect(c)
	}
}

func (f ListenerFuncs) OnUpload(t Transfer) {
	if f.Upload != nil {
		f.Upload(t)
	}
}

func (f ListenerFuncs) OnDownload(t Transfer) {
	if f.Download != nil {
		f.Download(t)
	}
}

func (f ListenerFuncs) OnUpdate(t Transfer) {
	if f.Update != nil {
		f.Update(t)
	}
}

func (f ListenerFuncs) OnDisconnect(c ClientInfo) {
	if f.Disconnect != nil {
		f.Disconnect(c)
	}
}

// EventKind tags an Event.
type EventKind int

const (
	EventConnect EventKind = iota
	EventUpload
	EventDownload
	EventUpdate
	EventDisconnect
)

func (k EventKind) String() string {
	switch k {
	case EventConnect:
		return "connect"
	case EventUpload:
		return "upload"
	case EventDownload:
		return "download"
	case EventUpdate:
		return "update"
	case EventDisconnect:
		return "disconnect"
	}
	return "unknown"
}

// Event is a listener callback as a value, for consumers that handle all
// server activity in one place.
type Event struct {
	Kind     EventKind
	Client   ClientInfo
	Transfer Transfer
}

// EventFunc adapts a single event handler to a Listener.
type EventFunc func(Event)

func (f EventFunc) OnConnect(c ClientInfo)    { f(Event{Kind: EventConnect, Client: c}) }
func (f EventFunc) OnUpload(t Transfer)       { f(Event{Kind: EventUpload, Client: t.Client, Transfer: t}) }
func (f EventFunc) OnDownload(t Transfer)     { f(Event{Kind: EventDownload, Client: t.Client, Transfer: t}) }
func (f EventFunc) OnUpdate(t Transfer)       { f(Event{Kind: EventUpdate, Client: t.Client, Transfer: t}) }
func (f EventFunc) OnDisconnect(c ClientInfo) { f(Event{Kind: EventDisconnect, Client: c}) }

type nopListener struct{}

func (nopListener) OnConnect(ClientInfo)    {}
func (nopListener) OnUpload(Transfer)       {}
func (nopListener) OnDownload(Transfer)     {}
func (nopListener) OnUpdate(Transfer)       {}
func (nopListener) OnDisconnect(ClientInfo) {}
