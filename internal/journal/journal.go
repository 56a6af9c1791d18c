// Package journal keeps a rolling per-guild history of lifecycle commands in
// a file-backed JSON datastore, for operator inspection.
package journal

import (
	"context"
	"time"

	"github.com/keshon/datastore"
)

const historyLimit = 50

type Entry struct {
	ChannelID string    `json:"channel_id"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Command   string    `json:"command"`
	Detail    string    `json:"detail"`
	Datetime  time.Time `json:"datetime"`
}

type record struct {
	Entries []Entry `json:"entries"`
}

type Journal struct {
	ds *datastore.DataStore
}

// New opens the journal store. The datastore's autosave loop runs until ctx
// is canceled, and Close blocks until that loop has exited, so Close must
// only be called after cancellation.
func New(ctx context.Context, filePath string) (*Journal, error) {
	ds, err := datastore.New(ctx, filePath)
	if err != nil {
		return nil, err
	}
	return &Journal{ds: ds}, nil
}

func (j *Journal) Close() error {
	return j.ds.Close()
}

// Append records a command invocation for a guild, trimming old entries.
func (j *Journal) Append(guildID string, entry Entry) error {
	var rec record
	if _, err := j.ds.Get(guildID, &rec); err != nil {
		return err
	}
	rec.Entries = append(rec.Entries, entry)
	if len(rec.Entries) > historyLimit {
		rec.Entries = rec.Entries[len(rec.Entries)-historyLimit:]
	}
	return j.ds.Set(guildID, rec)
}

// Fetch returns the recorded history for a guild, oldest first.
func (j *Journal) Fetch(guildID string) ([]Entry, error) {
	var rec record
	if _, err := j.ds.Get(guildID, &rec); err != nil {
		return nil, err
	}
	return rec.Entries, nil
}
