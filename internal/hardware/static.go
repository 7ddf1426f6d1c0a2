package hardware

import (
	"context"
	"sync"
	"time"

	"modelrm/pkg/types"
)

// StaticProfiler reports a fixed profile. It backs configured hardware
// overrides and tests; Set swaps the profile atomically.
type StaticProfiler struct {
	mu   sync.RWMutex
	prof types.HardwareProfile
	now  func() time.Time
}

func NewStatic(p types.HardwareProfile) *StaticProfiler {
	return &StaticProfiler{prof: p.Clone(), now: time.Now}
}

// Set replaces the reported profile.
func (s *StaticProfiler) Set(p types.HardwareProfile) {
	s.mu.Lock()
	s.prof = p.Clone()
	s.mu.Unlock()
}

func (s *StaticProfiler) Snapshot(context.Context) types.HardwareProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.prof.Clone()
	out.TakenAt = s.now()
	return out
}

func (s *StaticProfiler) Live() bool { return false }
