package keystroke

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Project identifies the project an aggregate accumulates for.
type Project struct {
	Name      string    `json:"name"`
	Directory string    `json:"directory"`
	Resource  *Resource `json:"resource,omitempty"`
}

// Resource is the version-control identity of a project checkout.
type Resource struct {
	Identifier string `json:"identifier"`
	Branch     string `json:"branch"`
	Email      string `json:"email,omitempty"`
	Tag        string `json:"tag,omitempty"`
}

// RootLookup returns an authoritative root directory for a project name.
type RootLookup func(projectName string) (string, bool)

// ResolveDirectory returns the project root for filePath. An authoritative
// lookup wins; otherwise the directory is everything before the first
// occurrence of projectName in filePath, minus the separator. Paths that do
// not contain the name resolve to "".
func ResolveDirectory(projectName, filePath string, lookup RootLookup) string {
	if lookup != nil {
		if dir, ok := lookup(projectName); ok && dir != "" {
			return dir
		}
	}
	if projectName == "" || filePath == "" {
		return ""
	}
	idx := strings.Index(filePath, projectName)
	if idx <= 0 {
		return ""
	}
	return filePath[:idx-1]
}

// Aggregate is one project's in-flight summary. It accumulates until it is
// sealed by a hand-off; after that every Update is refused so the caller
// re-resolves the active aggregate.
type Aggregate struct {
	mu         sync.Mutex
	id         string
	project    Project
	files      map[string]*FileStat
	keystrokes int64
	sealed     bool
}

// NewAggregate creates an empty aggregate for project.
func NewAggregate(project Project) *Aggregate {
	return &Aggregate{
		id:      uuid.New().String(),
		project: project,
		files:   make(map[string]*FileStat),
	}
}

// ID uniquely identifies this aggregate instance in logs.
func (a *Aggregate) ID() string { return a.id }

// Project returns the current project identity.
func (a *Aggregate) Project() Project {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.project
}

// ResolveIdentity fills in the project identity when the aggregate has none
// yet, or only a directory is missing. It reports whether anything changed.
func (a *Aggregate) ResolveIdentity(projectName, filePath string, lookup RootLookup) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case a.project.Name == "" && projectName != "":
		a.project.Name = projectName
		a.project.Directory = ResolveDirectory(projectName, filePath, lookup)
		return true
	case a.project.Name == projectName && a.project.Directory == "":
		a.project.Directory = ResolveDirectory(projectName, filePath, lookup)
		return a.project.Directory != ""
	}
	return false
}

// Tx is the mutation view handed to Update callbacks. It is only valid for
// the duration of the callback.
type Tx struct {
	a *Aggregate
}

// StatFor returns the stat for path, creating it on first access.
func (tx *Tx) StatFor(path string) *FileStat {
	stat, ok := tx.a.files[path]
	if !ok {
		stat = NewFileStat(path)
		tx.a.files[path] = stat
	}
	return stat
}

// AddKeystrokes bumps the aggregate liveness counter.
func (tx *Tx) AddKeystrokes(n int64) {
	tx.a.keystrokes += n
}

// Update runs fn under the aggregate lock. It returns false without calling fn
// when the aggregate has already been sealed.
func (a *Aggregate) Update(fn func(tx *Tx)) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sealed {
		return false
	}
	fn(&Tx{a: a})
	return true
}

// Seal freezes the aggregate and returns its final snapshot.
func (a *Aggregate) Seal() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sealed = true
	return a.snapshotLocked()
}

// Sealed reports whether Seal has been called.
func (a *Aggregate) Sealed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sealed
}

// Snapshot returns a copy of the current state without sealing.
func (a *Aggregate) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Aggregate) snapshotLocked() Snapshot {
	files := make(map[string]FileCounts, len(a.files))
	for path, stat := range a.files {
		files[path] = stat.Counts()
	}
	return Snapshot{
		ID:         a.id,
		Project:    a.project,
		Files:      files,
		Keystrokes: a.keystrokes,
	}
}

// Snapshot is an immutable copy of an aggregate.
type Snapshot struct {
	ID         string
	Project    Project
	Files      map[string]FileCounts
	Keystrokes int64
}

// HasActivity reports whether the snapshot is worth sending: any keystroke was
// counted or any file recorded activity.
func (s Snapshot) HasActivity() bool {
	if s.Keystrokes > 0 {
		return true
	}
	for _, c := range s.Files {
		if c.HasActivity() {
			return true
		}
	}
	return false
}
