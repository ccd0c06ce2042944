package store

import (
	"time"

	"github.com/uptrace/bun"
)

// ChatSession is one pairing from match to teardown.
type ChatSession struct {
	bun.BaseModel `bun:"table:chat_sessions,alias:cs"`

	ID              int64     `bun:",pk,autoincrement"`
	SessionID       string    `bun:",unique,notnull"`
	User1           string    `bun:"user1,notnull"`
	User2           string    `bun:"user2,notnull"`
	StartedAt       time.Time `bun:",notnull"`
	EndedAt         bun.NullTime
	DurationSeconds int64  `bun:",notnull,default:0"`
	MessageCount    int    `bun:",notnull,default:0"`
	EndReason       string `bun:",nullzero"`
}

// Participant is the presence row of a connection. Rows outlive the
// connection; RemoveParticipant only marks them offline.
type Participant struct {
	bun.BaseModel `bun:"table:participants,alias:p"`

	ID               string    `bun:",pk"`
	IsOnline         bool      `bun:",notnull"`
	InChat           bool      `bun:",notnull"`
	State            string    `bun:",notnull"`
	PartnerID        string    `bun:",nullzero"`
	RemoteAddr       string    `bun:",nullzero"`
	Country          string    `bun:",notnull"`
	Gender           string    `bun:",nullzero"`
	Interests        []string  `bun:",array"`
	PreferredGender  string    `bun:",nullzero"`
	PreferredCountry string    `bun:",nullzero"`
	TotalChats       int       `bun:",notnull,default:0"`
	LastActive       time.Time `bun:",notnull"`
	CreatedAt        time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}

// Summary is the aggregate view printed by the stats command.
type Summary struct {
	TotalSessions      int
	OpenSessions       int
	TotalMessages      int
	AvgDurationSeconds float64
	OnlineParticipants int
	InChatParticipants int
	TopCountries       []CountryCount
}

type CountryCount struct {
	Country string `bun:"country"`
	Count   int    `bun:"count"`
}
