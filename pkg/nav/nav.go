// Package nav tracks where the user is inside the folder hierarchy.
package nav

import (
	"sync"

	"github.com/fruitsalade/snapfolder/pkg/models"
)

// Root is the index PopTo accepts to clear the whole stack.
const Root = -1

// State is a breadcrumb stack. The top frame is the folder currently open;
// an empty stack means the root listing. Safe for concurrent use.
type State struct {
	mu     sync.RWMutex
	frames []models.NavigationFrame
}

// New returns a state positioned at the root.
func New() *State {
	return &State{}
}

// Push enters frame.
func (s *State) Push(frame models.NavigationFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
}

// PopTo truncates the stack so that index is the top frame. Root (or any
// negative index) clears the stack. An index past the top is a no-op.
func (s *State) PopTo(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 {
		s.frames = nil
		return
	}
	if index+1 < len(s.frames) {
		s.frames = s.frames[:index+1]
	}
}

// Repoint rewrites every frame pointing at old to point at to. It reports
// whether any frame changed.
func (s *State) Repoint(old, to models.Address) bool {
	if old == to {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	for i := range s.frames {
		if s.frames[i].Address == old {
			s.frames[i].Address = to
			changed = true
		}
	}
	return changed
}

// Rename updates the display name of every frame at addr.
func (s *State) Rename(addr models.Address, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.frames {
		if s.frames[i].Address == addr {
			s.frames[i].DisplayName = name
		}
	}
}

// Leave pops every frame from the first one at addr upward. It reports
// whether addr was on the stack.
func (s *State) Leave(addr models.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, f := range s.frames {
		if f.Address == addr {
			s.frames = s.frames[:i]
			return true
		}
	}
	return false
}

// Current returns the open folder, or false at the root.
func (s *State) Current() (models.NavigationFrame, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.frames) == 0 {
		return models.NavigationFrame{}, false
	}
	return s.frames[len(s.frames)-1], true
}

// CurrentAddress returns the open folder's address, or nil at the root.
func (s *State) CurrentAddress() *models.Address {
	f, ok := s.Current()
	if !ok {
		return nil
	}
	addr := f.Address
	return &addr
}

// Breadcrumbs returns a copy of the stack, root first.
func (s *State) Breadcrumbs() []models.NavigationFrame {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.NavigationFrame, len(s.frames))
	copy(out, s.frames)
	return out
}

// Depth returns the number of frames.
func (s *State) Depth() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.frames)
}
