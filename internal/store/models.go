package store

import "time"

type Realm struct {
	ID                      int64
	Name                    string
	Subdomain               string
	WebPublicStreamsEnabled bool
	// FirstVisibleMessageID is the realm's history threshold: messages with
	// smaller ids exist but are never served. Zero means no threshold.
	FirstVisibleMessageID int64
	CreatedAt             time.Time
}

type User struct {
	ID           int64
	RealmID      int64
	Email        string
	FullName     string
	Role         string
	PasswordHash string
	IsActive     bool
	CreatedAt    time.Time
}

type Stream struct {
	ID                         int64
	RealmID                    int64
	Name                       string
	InviteOnly                 bool
	IsWebPublic                bool
	HistoryPublicToSubscribers bool
	CreatedAt                  time.Time
}

// Message is an immutable row in the ordered message store. Rows are only
// ever created and deleted by upstream components; the fetch engine reads.
type Message struct {
	ID              int64
	RealmID         int64
	SenderID        int64
	SenderEmail     string
	SenderFullName  string
	StreamID        int64
	StreamName      string
	Topic           string
	Content         string
	RenderedContent string
	DateSent        time.Time
	HasAttachment   bool
	HasImage        bool
	HasLink         bool
}

// Per-user message flags, packed into a bigint column on user_messages.
const (
	FlagRead int64 = 1 << iota
	FlagStarred
	FlagCollapsed
	FlagMentioned
	FlagWildcardMentioned
	FlagHasAlertWord
	// FlagHistorical marks messages the user gained access to through
	// public history rather than delivery.
	FlagHistorical
)

var flagNames = []struct {
	bit  int64
	name string
}{
	{FlagRead, "read"},
	{FlagStarred, "starred"},
	{FlagCollapsed, "collapsed"},
	{FlagMentioned, "mentioned"},
	{FlagWildcardMentioned, "wildcard_mentioned"},
	{FlagHasAlertWord, "has_alert_word"},
	{FlagHistorical, "historical"},
}

// FlagsList decodes a packed flags value into the wire flag names, in bit
// order.
func FlagsList(flags int64) []string {
	names := make([]string, 0, 2)
	for _, f := range flagNames {
		if flags&f.bit != 0 {
			names = append(names, f.name)
		}
	}
	return names
}
