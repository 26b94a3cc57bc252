package mixer

import (
	"fmt"
	"math"
	"time"
)

// dcaTolerance is the minimum normalized level delta that counts as a real
// movement; anything smaller is float noise from the mixer readback. The
// epsilon keeps a delta of exactly one rounding step (0.1) below the
// threshold despite binary float representation.
const (
	dcaTolerance = 0.1
	dcaEpsilon   = 1e-9
)

// The push-event stream from the mixer does not report mute-group changes
// or DCA moves made at the physical surface, so the supervisor polls for
// both while connected.

// primePollerBaselines seeds the last-observed state from the mixer so the
// first poll tick does not fire a storm of spurious change events.
func (s *Supervisor) primePollerBaselines(sess Session) {
	var groups [NumMuteGroups]bool
	for g := 1; g <= NumMuteGroups; g++ {
		if on, err := sess.StateBool(fmt.Sprintf("mutegroup.%d", g)); err == nil {
			groups[g-1] = on
		}
	}
	var levels [NumDCAs]float64
	for d := 1; d <= NumDCAs; d++ {
		if raw, err := sess.StateFloat(fmt.Sprintf("dca.%d.level", d)); err == nil {
			levels[d-1] = normalizeDCALevel(raw)
		}
	}

	s.mu.Lock()
	s.muteGroups = groups
	s.dcaLevels = levels
	s.mu.Unlock()
}

// startPollers launches both pollers. Idempotent; they run until
// stopPollers closes the shared stop channel.
func (s *Supervisor) startPollers() {
	s.mu.Lock()
	if s.pollStop != nil {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.pollStop = stop
	s.mu.Unlock()

	s.pollWG.Add(2)
	go s.pollMuteGroups(stop)
	go s.pollDCALevels(stop)
}

// stopPollers stops both pollers as a pair and waits for them to exit
func (s *Supervisor) stopPollers() {
	s.mu.Lock()
	stop := s.pollStop
	s.pollStop = nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
		s.pollWG.Wait()
	}
}

func (s *Supervisor) pollMuteGroups(stop chan struct{}) {
	defer s.pollWG.Done()
	ticker := time.NewTicker(s.muteGroupEvery)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.checkMuteGroups()
		}
	}
}

// checkMuteGroups emits a change event only for groups whose state differs
// from the last observation. A read error on one group must not stop the
// remaining groups from being checked.
func (s *Supervisor) checkMuteGroups() {
	sess := s.session()
	if sess == nil {
		return
	}
	for g := 1; g <= NumMuteGroups; g++ {
		on, err := sess.StateBool(fmt.Sprintf("mutegroup.%d", g))
		if err != nil {
			continue
		}
		s.mu.Lock()
		changed := s.muteGroups[g-1] != on
		if changed {
			s.muteGroups[g-1] = on
		}
		handler := s.onMuteGroup
		s.mu.Unlock()
		if changed && handler != nil {
			handler(g, on)
		}
	}
}

func (s *Supervisor) pollDCALevels(stop chan struct{}) {
	defer s.pollWG.Done()
	ticker := time.NewTicker(s.dcaEvery)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.checkDCALevels()
		}
	}
}

// checkDCALevels reads all DCA levels and emits a change event when the
// normalized delta exceeds the tolerance. The predicate gate skips the
// whole body while no DCA channel is mapped, since the reads are not free.
func (s *Supervisor) checkDCALevels() {
	s.mu.Lock()
	mapped := s.dcaMapped
	s.mu.Unlock()
	if mapped != nil && !mapped() {
		return
	}

	sess := s.session()
	if sess == nil {
		return
	}
	for d := 1; d <= NumDCAs; d++ {
		raw, err := sess.StateFloat(fmt.Sprintf("dca.%d.level", d))
		if err != nil {
			continue
		}
		level := normalizeDCALevel(raw)

		s.mu.Lock()
		changed := math.Abs(level-s.dcaLevels[d-1]) > dcaTolerance+dcaEpsilon
		if changed {
			s.dcaLevels[d-1] = level
		}
		handler := s.onDCALevel
		s.mu.Unlock()
		if changed && handler != nil {
			handler(d, level)
		}
	}
}

// DCALevel returns the last observed normalized level of one DCA
func (s *Supervisor) DCALevel(dca int) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dca < 1 || dca > NumDCAs {
		return 0
	}
	return s.dcaLevels[dca-1]
}

// normalizeDCALevel maps raw mixer readings onto a 0-100 scale. Readings at
// or below 1.0 are a 0-1 fraction and become a percentage rounded to one
// decimal; readings above 1.0 are already percent-like and are clamped.
func normalizeDCALevel(raw float64) float64 {
	if raw <= 1.0 {
		v := math.Round(raw*1000) / 10
		if v < 0 {
			return 0
		}
		return v
	}
	if raw > 100 {
		return 100
	}
	return raw
}
