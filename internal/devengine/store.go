package devengine

import (
	"sort"
	"sync"
	"time"

	"git.home.luguber.info/inful/ondemand/internal/ondemand"
)

// Artifact is one compiled output.
type Artifact struct {
	Name        string
	Pipeline    ondemand.Pipeline
	ContentType string
	Content     []byte
	Hash        uint64
	BuiltAt     time.Time
}

type artifactKey struct {
	pipeline ondemand.Pipeline
	name     string
}

// Store holds the latest artifact of every entry. It is safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	artifacts map[artifactKey]Artifact
}

func NewStore() *Store {
	return &Store{artifacts: make(map[artifactKey]Artifact)}
}

func (s *Store) Get(p ondemand.Pipeline, name string) (Artifact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.artifacts[artifactKey{p, name}]
	return a, ok
}

func (s *Store) Put(a Artifact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[artifactKey{a.Pipeline, a.Name}] = a
}

// Retain drops every artifact of p whose name is not in keep and returns the
// dropped names.
func (s *Store) Retain(p ondemand.Pipeline, keep map[string]bool) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var dropped []string
	for k := range s.artifacts {
		if k.pipeline == p && !keep[k.name] {
			delete(s.artifacts, k)
			dropped = append(dropped, k.name)
		}
	}
	sort.Strings(dropped)
	return dropped
}

// Names lists the artifact names of p in sorted order.
func (s *Store) Names(p ondemand.Pipeline) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var names []string
	for k := range s.artifacts {
		if k.pipeline == p {
			names = append(names, k.name)
		}
	}
	sort.Strings(names)
	return names
}
