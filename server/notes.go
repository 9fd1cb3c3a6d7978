package server

import (
	"cmp"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

var (
	ErrNoteNotFound    = errors.New("note not found")
	ErrVersionMismatch = errors.New("note version does not match If-Match")
)

type Note struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Tags      []string  `json:"tags"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ETag returns the strong entity tag of the note's current version.
func (n *Note) ETag() string {
	return `"v` + strconv.Itoa(n.Version) + `"`
}

func (n *Note) clone() *Note {
	c := *n
	c.Tags = slices.Clone(n.Tags)
	return &c
}

// NoteChange is a partial update. Nil fields are left as they are.
type NoteChange struct {
	Title *string   `json:"title"`
	Body  *string   `json:"body"`
	Tags  *[]string `json:"tags"`
}

// NoteStore keeps notes in memory, partitioned by tenant.
type NoteStore struct {
	mu      sync.RWMutex
	tenants map[string]map[string]*Note
	now     func() time.Time
}

func NewNoteStore() *NoteStore {
	return &NoteStore{tenants: map[string]map[string]*Note{}, now: time.Now}
}

func (s *NoteStore) Create(tenant, title, body string, tags []string) *Note {
	now := s.now().UTC()
	n := &Note{
		ID:        uuid.NewString(),
		Title:     title,
		Body:      body,
		Tags:      slices.Clone(tags),
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	notes := s.tenants[tenant]
	if notes == nil {
		notes = map[string]*Note{}
		s.tenants[tenant] = notes
	}
	notes[n.ID] = n
	return n.clone()
}

func (s *NoteStore) Get(tenant, id string) (*Note, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.tenants[tenant][id]
	if !ok {
		return nil, errors.WithStack(ErrNoteNotFound)
	}
	return n.clone(), nil
}

// List returns the tenant's notes, most recently created first.
func (s *NoteStore) List(tenant string) []*Note {
	s.mu.RLock()
	out := make([]*Note, 0, len(s.tenants[tenant]))
	for _, n := range s.tenants[tenant] {
		out = append(out, n.clone())
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Note) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Update applies change to the note. A non-empty ifMatch must equal the
// note's current ETag ("*" matches any existing note).
func (s *NoteStore) Update(tenant, id, ifMatch string, change NoteChange) (*Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.tenants[tenant][id]
	if !ok {
		return nil, errors.WithStack(ErrNoteNotFound)
	}
	if ifMatch != "" && ifMatch != "*" && ifMatch != n.ETag() {
		return nil, errors.WithStack(ErrVersionMismatch)
	}
	if change.Title != nil {
		n.Title = *change.Title
	}
	if change.Body != nil {
		n.Body = *change.Body
	}
	if change.Tags != nil {
		n.Tags = slices.Clone(*change.Tags)
	}
	n.Version++
	n.UpdatedAt = s.now().UTC()
	return n.clone(), nil
}

func (s *NoteStore) Delete(tenant, id, ifMatch string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.tenants[tenant][id]
	if !ok {
		return errors.WithStack(ErrNoteNotFound)
	}
	if ifMatch != "" && ifMatch != "*" && ifMatch != n.ETag() {
		return errors.WithStack(ErrVersionMismatch)
	}
	delete(s.tenants[tenant], id)
	return nil
}
