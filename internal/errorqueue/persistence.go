package errorqueue

import (
	"strconv"
	"time"

	"github.com/insa-strasbourg/hermes-client/internal/jsoncache"
	"github.com/insa-strasbourg/hermes-client/internal/model"
)

// eventFile is the on-disk shape of one Event, mirroring Event's
// from_json_dict/to_json_dict round trip.
type eventFile struct {
	Category             string         `json:"category"`
	Type                 string         `json:"type"`
	ObjType              string         `json:"objtype"`
	ObjPKey              []any          `json:"objpkey"`
	Added                map[string]any `json:"added,omitempty"`
	Modified             map[string]any `json:"modified,omitempty"`
	Removed              map[string]any `json:"removed,omitempty"`
	Offset               uint64         `json:"offset,omitempty"`
	Timestamp            time.Time      `json:"timestamp,omitempty"`
	Step                 int            `json:"step,omitempty"`
	IsPartiallyProcessed bool           `json:"isPartiallyProcessed,omitempty"`
}

func toEventFile(ev *model.Event) *eventFile {
	if ev == nil {
		return nil
	}
	return &eventFile{
		Category: ev.Category, Type: ev.Type, ObjType: ev.ObjType,
		ObjPKey: ev.ObjPKey.Values, Added: ev.Added, Modified: ev.Modified, Removed: ev.Removed,
		Offset: ev.Offset, Timestamp: ev.Timestamp, Step: ev.Step, IsPartiallyProcessed: ev.IsPartiallyProcessed,
	}
}

func fromEventFile(f *eventFile) *model.Event {
	if f == nil {
		return nil
	}
	ev := &model.Event{
		Category: f.Category, Type: f.Type, ObjType: f.ObjType,
		ObjPKey: model.NewPKey(f.ObjPKey...),
		Offset:  f.Offset, Timestamp: f.Timestamp, Step: f.Step, IsPartiallyProcessed: f.IsPartiallyProcessed,
	}
	switch f.Type {
	case model.TypeAdded:
		ev.Added = f.Added
	case model.TypeModified:
		ev.Added, ev.Modified, ev.Removed = f.Added, f.Modified, f.Removed
	}
	if ev.Added == nil {
		ev.Added = map[string]any{}
	}
	if ev.Modified == nil {
		ev.Modified = map[string]any{}
	}
	if ev.Removed == nil {
		ev.Removed = map[string]any{}
	}
	return ev
}

type entryFile struct {
	Remote   *eventFile `json:"remote"`
	Local    eventFile  `json:"local"`
	ErrorMsg *string    `json:"errorMsg"`
}

type queueFile struct {
	Queue map[string]entryFile `json:"queue"`
}

// Save persists the queue under filename via store.
func (q *Queue) Save(store *jsoncache.Store, filename string) error {
	file := queueFile{Queue: make(map[string]entryFile, len(q.queue))}
	for n, entry := range q.queue {
		file.Queue[strconv.FormatUint(n, 10)] = entryFile{
			Remote: toEventFile(entry.Remote), Local: *toEventFile(entry.Local), ErrorMsg: entry.ErrorMsg,
		}
	}
	return store.Save(filename, file)
}

// Load replaces q's contents with filename's persisted queue, if present,
// reconstructing the secondary index exactly as append() would, mirroring
// ErrorQueue.__init__'s from_json_dict handling.
func (q *Queue) Load(store *jsoncache.Store, filename string) (bool, error) {
	var file queueFile
	ok, err := store.Load(filename, &file, nil)
	if err != nil || !ok {
		return ok, err
	}

	q.queue = map[uint64]Entry{}
	q.index = map[string]map[string]map[uint64]struct{}{}

	numbers := make([]string, 0, len(file.Queue))
	for k := range file.Queue {
		numbers = append(numbers, k)
	}
	sortNumericStrings(numbers)

	for _, k := range numbers {
		ef := file.Queue[k]
		n, parseErr := strconv.ParseUint(k, 10, 64)
		if parseErr != nil {
			continue
		}
		remote := fromEventFile(ef.Remote)
		local := fromEventFile(&ef.Local)
		q.append(remote, local, ef.ErrorMsg, n)
	}
	return true, nil
}

func sortNumericStrings(s []string) {
	parse := func(v string) uint64 {
		n, _ := strconv.ParseUint(v, 10, 64)
		return n
	}
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && parse(s[j-1]) > parse(s[j]); j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
