package provisioning

import (
	"log/slog"

	"zwave-go-home/internal/security"
)

// KeyChecker reports which network keys are configured.
type KeyChecker interface {
	HasKey(security.Class) bool
}

// Announcement is a SmartStart inclusion request heard by the radio.
type Announcement struct {
	NWIHomeID [4]byte
	LongRange bool
}

// Matcher pairs SmartStart announcements with active provisioning entries.
type Matcher struct {
	list   *List
	keys   KeyChecker
	logger *slog.Logger
}

func NewMatcher(list *List, keys KeyChecker, logger *slog.Logger) *Matcher {
	return &Matcher{list: list, keys: keys, logger: logger.With("component", "smartstart")}
}

// Match returns the first active entry whose DSK derives the announced
// home ID on the same protocol. Entries granting a class without a
// configured key are skipped.
func (m *Matcher) Match(a Announcement) (Entry, security.DSK, bool) {
	for _, e := range m.list.All() {
		if !e.Active() {
			continue
		}
		dsk, err := e.ParsedDSK()
		if err != nil {
			m.logger.Warn("skipping entry with invalid DSK", "dsk", e.DSK, "err", err)
			continue
		}
		if dsk.NWIHomeID() != a.NWIHomeID {
			continue
		}
		if (e.Protocol == ProtocolZWaveLongRange) != a.LongRange {
			continue
		}
		if missing := m.missingKey(e); missing != security.ClassNone {
			m.logger.Warn("skipping entry, network key not configured", "dsk", e.DSK, "class", missing)
			continue
		}
		return e, dsk, true
	}
	return Entry{}, security.DSK{}, false
}

func (m *Matcher) missingKey(e Entry) security.Class {
	for _, c := range e.SecurityClasses {
		if !m.keys.HasKey(c) {
			return c
		}
	}
	return security.ClassNone
}

// NeedsListening reports whether some active entry has no node yet.
// present tells whether the entry's node is part of the network.
func (l *List) NeedsListening(present func(Entry) bool) bool {
	for _, e := range l.All() {
		if e.Active() && !present(e) {
			return true
		}
	}
	return false
}
