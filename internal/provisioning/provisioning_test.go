package provisioning

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zwave-go-home/internal/security"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type memBackend struct {
	saved   []Entry
	saves   int
	failErr error
}

func (m *memBackend) SaveProvisioning(entries []Entry) error {
	if m.failErr != nil {
		return m.failErr
	}
	m.saves++
	m.saved = append([]Entry(nil), entries...)
	return nil
}

func (m *memBackend) LoadProvisioning() ([]Entry, error) {
	return m.saved, nil
}

type keySet map[security.Class]bool

func (k keySet) HasKey(c security.Class) bool { return k[c] }

func testDSK(seed byte) security.DSK {
	var d security.DSK
	for i := range d {
		d[i] = seed + byte(i)
	}
	return d
}

func entry(seed byte, classes ...security.Class) Entry {
	return Entry{DSK: testDSK(seed).String(), SecurityClasses: classes}
}

func TestUpsertNormalizesAndPersists(t *testing.T) {
	be := &memBackend{}
	l, err := NewList(be, testLogger())
	require.NoError(t, err)

	changes := 0
	l.OnChange(func() { changes++ })

	e := entry(1, security.ClassS2Unauthenticated)
	e.DSK = " " + e.DSK + " "
	require.NoError(t, l.Upsert(e))

	all := l.All()
	require.Len(t, all, 1)
	assert.Equal(t, testDSK(1).String(), all[0].DSK)
	assert.Equal(t, ProtocolZWave, all[0].Protocol)
	assert.Equal(t, StatusActive, all[0].Status)
	assert.Equal(t, 1, be.saves)
	assert.Equal(t, 1, changes)

	reloaded, err := NewList(be, testLogger())
	require.NoError(t, err)
	assert.Equal(t, all, reloaded.All())
}

func TestUpsertReplacesInPlaceAndKeepsNode(t *testing.T) {
	l, err := NewList(nil, testLogger())
	require.NoError(t, err)
	require.NoError(t, l.Upsert(entry(1, security.ClassS2Unauthenticated)))
	require.NoError(t, l.Upsert(entry(2, security.ClassS0Legacy)))
	require.NoError(t, l.AssignNode(testDSK(1).String(), 12))

	require.NoError(t, l.Upsert(entry(1, security.ClassS2AccessControl)))

	all := l.All()
	require.Len(t, all, 2)
	assert.Equal(t, testDSK(1).String(), all[0].DSK, "order is preserved")
	assert.Equal(t, []security.Class{security.ClassS2AccessControl}, all[0].SecurityClasses)
	assert.Equal(t, uint16(12), all[0].NodeID)
}

func TestUpsertRejectsInvalidEntries(t *testing.T) {
	l, err := NewList(nil, testLogger())
	require.NoError(t, err)

	cases := map[string]Entry{
		"bad dsk":      {DSK: "12345", SecurityClasses: []security.Class{security.ClassS0Legacy}},
		"no classes":   {DSK: testDSK(1).String()},
		"temporary":    entry(1, security.ClassTemporary),
		"bad status":   {DSK: testDSK(1).String(), SecurityClasses: []security.Class{security.ClassS0Legacy}, Status: "maybe"},
		"bad protocol": {DSK: testDSK(1).String(), SecurityClasses: []security.Class{security.ClassS0Legacy}, Protocol: "zigbee"},
	}
	for name, e := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, l.Upsert(e), ErrInvalidEntry)
		})
	}
	assert.Empty(t, l.All())
}

func TestRemoveAndLookup(t *testing.T) {
	l, err := NewList(nil, testLogger())
	require.NoError(t, err)
	require.NoError(t, l.Upsert(entry(1, security.ClassS2Unauthenticated)))
	require.NoError(t, l.Upsert(entry(2, security.ClassS2Unauthenticated)))
	require.NoError(t, l.AssignNode(testDSK(2).String(), 5))

	got, ok := l.GetByNodeID(5)
	require.True(t, ok)
	assert.Equal(t, testDSK(2).String(), got.DSK)
	_, ok = l.GetByNodeID(0)
	assert.False(t, ok)

	removed, err := l.RemoveByNodeID(5)
	require.NoError(t, err)
	assert.Equal(t, testDSK(2).String(), removed.DSK)

	_, err = l.Remove(testDSK(2).String())
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = l.RemoveByNodeID(5)
	assert.ErrorIs(t, err, ErrNotFound)

	_, ok = l.Get(testDSK(1).String())
	assert.True(t, ok)
}

func TestFailedSaveLeavesListUnchanged(t *testing.T) {
	be := &memBackend{}
	l, err := NewList(be, testLogger())
	require.NoError(t, err)
	require.NoError(t, l.Upsert(entry(1, security.ClassS2Unauthenticated)))

	be.failErr = errors.New("disk full")
	assert.Error(t, l.Upsert(entry(2, security.ClassS2Unauthenticated)))
	assert.Len(t, l.All(), 1)
}

func TestMatcher(t *testing.T) {
	l, err := NewList(nil, testLogger())
	require.NoError(t, err)
	keys := keySet{security.ClassS2Unauthenticated: true, security.ClassS2Authenticated: true}
	m := NewMatcher(l, keys, testLogger())

	inactive := entry(1, security.ClassS2Unauthenticated)
	inactive.Status = StatusInactive
	lr := entry(2, security.ClassS2Unauthenticated)
	lr.Protocol = ProtocolZWaveLongRange
	missingKey := entry(3, security.ClassS2AccessControl)
	ok := entry(4, security.ClassS2Authenticated)
	for _, e := range []Entry{inactive, lr, missingKey, ok} {
		require.NoError(t, l.Upsert(e))
	}

	t.Run("inactive entry is ignored", func(t *testing.T) {
		_, _, found := m.Match(Announcement{NWIHomeID: testDSK(1).NWIHomeID()})
		assert.False(t, found)
	})
	t.Run("protocol must agree", func(t *testing.T) {
		_, _, found := m.Match(Announcement{NWIHomeID: testDSK(2).NWIHomeID()})
		assert.False(t, found)
		got, _, found := m.Match(Announcement{NWIHomeID: testDSK(2).NWIHomeID(), LongRange: true})
		require.True(t, found)
		assert.Equal(t, lr.DSK, got.DSK)
	})
	t.Run("missing network key skips entry", func(t *testing.T) {
		_, _, found := m.Match(Announcement{NWIHomeID: testDSK(3).NWIHomeID()})
		assert.False(t, found)
	})
	t.Run("match returns parsed DSK", func(t *testing.T) {
		got, dsk, found := m.Match(Announcement{NWIHomeID: testDSK(4).NWIHomeID()})
		require.True(t, found)
		assert.Equal(t, ok.DSK, got.DSK)
		assert.Equal(t, testDSK(4), dsk)
	})
}

func TestNeedsListening(t *testing.T) {
	l, err := NewList(nil, testLogger())
	require.NoError(t, err)
	known := map[uint16]bool{9: true}
	isKnown := func(e Entry) bool { return e.NodeID != 0 && known[e.NodeID] }

	assert.False(t, l.NeedsListening(isKnown), "empty list")

	require.NoError(t, l.Upsert(entry(1, security.ClassS2Unauthenticated)))
	assert.True(t, l.NeedsListening(isKnown), "entry without a node")

	require.NoError(t, l.AssignNode(testDSK(1).String(), 9))
	assert.False(t, l.NeedsListening(isKnown), "every entry included")

	delete(known, 9)
	assert.True(t, l.NeedsListening(isKnown), "node left the network")

	require.NoError(t, l.SetStatus(testDSK(1).String(), StatusInactive))
	assert.False(t, l.NeedsListening(isKnown), "inactive entries never listen")
}

func writeSeed(t *testing.T, path string, dsks ...security.DSK) {
	t.Helper()
	body := "entries:\n"
	for _, d := range dsks {
		body += "  - dsk: " + d.String() + "\n    security_classes: [S2_Unauthenticated, s0]\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestLoadSeedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "provisioning.yaml")

	entries, err := LoadSeedFile(path)
	require.NoError(t, err, "missing file is not an error")
	assert.Empty(t, entries)

	writeSeed(t, path, testDSK(1))
	entries, err = LoadSeedFile(path)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []security.Class{security.ClassS2Unauthenticated, security.ClassS0Legacy}, entries[0].SecurityClasses)
	assert.Equal(t, StatusActive, entries[0].Status)

	require.NoError(t, os.WriteFile(path, []byte("entries:\n  - dsk: nope\n    security_classes: [s0]\n"), 0o644))
	_, err = LoadSeedFile(path)
	assert.ErrorIs(t, err, ErrInvalidEntry)
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "provisioning.yaml")
	writeSeed(t, path, testDSK(1))

	l, err := NewList(nil, testLogger())
	require.NoError(t, err)
	_, err = l.ApplySeed(path)
	require.NoError(t, err)

	w, err := NewWatcher(path, l, testLogger())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	writeSeed(t, path, testDSK(1), testDSK(2))

	assert.Eventually(t, func() bool { return len(l.All()) == 2 }, 3*time.Second, 50*time.Millisecond)
}
