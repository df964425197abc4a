// Package publish hands each tick's commands from the control loop to the
// serial writer.
//
// The control loop is the only producer. Every Publish bumps a monotonic
// version and replaces the single-slot mailbox; when a path is configured
// the same document is also written atomically to disk for consumers in
// other processes. Readers compare versions and act only on newer
// documents, so a slow reader skips stale commands rather than replaying
// them.
package publish

import (
	"encoding/json"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/banshee-data/floorfleet/internal/fsutil"
	"github.com/banshee-data/floorfleet/internal/impulse"
	"github.com/banshee-data/floorfleet/internal/timeutil"
)

// CommandRecord is one vehicle's command for a tick.
type CommandRecord struct {
	VehicleID int             `json:"vehicle_id"`
	Command   impulse.Command `json:"command"`
}

// Document is the published command set.
type Document struct {
	Version   uint64          `json:"version"`
	Timestamp time.Time       `json:"timestamp"`
	Selected  *int            `json:"selected,omitempty"`
	Commands  []CommandRecord `json:"commands"`
}

// CommandFor returns the command published for a vehicle.
func (d *Document) CommandFor(vehicleID int) (impulse.Command, bool) {
	for _, r := range d.Commands {
		if r.VehicleID == vehicleID {
			return r.Command, true
		}
	}
	return impulse.Stop, false
}

// Source yields the most recent document, or nil when none exists yet.
type Source interface {
	Latest() (*Document, error)
}

// Mailbox is a single-slot, single-producer document holder.
type Mailbox struct {
	slot   atomic.Pointer[Document]
	notify chan struct{}
}

// NewMailbox creates an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{notify: make(chan struct{}, 1)}
}

// Put replaces the held document and wakes a waiting reader.
func (m *Mailbox) Put(doc *Document) {
	m.slot.Store(doc)
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Latest returns the held document. It never fails.
func (m *Mailbox) Latest() (*Document, error) {
	return m.slot.Load(), nil
}

// Notify is signalled after every Put. A reader that misses a signal still
// sees the newest document on its next poll.
func (m *Mailbox) Notify() <-chan struct{} { return m.notify }

// Publisher versions documents and delivers them to the mailbox and,
// optionally, to a file.
type Publisher struct {
	mailbox *Mailbox
	fs      fsutil.FileSystem
	path    string
	clock   timeutil.Clock
	version uint64
}

// NewPublisher creates a Publisher. An empty path disables the file copy.
func NewPublisher(mailbox *Mailbox, fs fsutil.FileSystem, path string, clock timeutil.Clock) *Publisher {
	return &Publisher{mailbox: mailbox, fs: fs, path: path, clock: clock}
}

// Mailbox returns the mailbox the publisher writes to.
func (p *Publisher) Mailbox() *Mailbox { return p.mailbox }

// Publish stamps and delivers one tick's records. Records are ordered by
// vehicle id. The mailbox is always updated; a failed file write is
// returned after it.
func (p *Publisher) Publish(selected *int, records []CommandRecord) (*Document, error) {
	p.version++
	recs := slices.Clone(records)
	slices.SortFunc(recs, func(a, b CommandRecord) int { return a.VehicleID - b.VehicleID })
	if recs == nil {
		recs = []CommandRecord{}
	}
	doc := &Document{
		Version:   p.version,
		Timestamp: p.clock.Now().UTC(),
		Commands:  recs,
	}
	if selected != nil {
		sel := *selected
		doc.Selected = &sel
	}
	p.mailbox.Put(doc)

	if p.path == "" {
		return doc, nil
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return doc, fmt.Errorf("encode command document: %w", err)
	}
	if err := fsutil.WriteFileAtomic(p.fs, p.path, data, 0644); err != nil {
		return doc, fmt.Errorf("publish command document: %w", err)
	}
	return doc, nil
}

// FileSource reads the command document written by a Publisher in another
// process.
type FileSource struct {
	fs   fsutil.FileSystem
	path string
}

// NewFileSource creates a FileSource for path.
func NewFileSource(fs fsutil.FileSystem, path string) *FileSource {
	return &FileSource{fs: fs, path: path}
}

// Latest reads and decodes the document. A missing file is not an error;
// it means nothing has been published yet.
func (s *FileSource) Latest() (*Document, error) {
	if !s.fs.Exists(s.path) {
		return nil, nil
	}
	data, err := s.fs.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read command document: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode command document: %w", err)
	}
	return &doc, nil
}
