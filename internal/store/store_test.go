package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/httptim/rednetd/internal/dnscore"
	"github.com/httptim/rednetd/internal/rederr"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "node.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenAppliesMigrations(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Health())

	// Reopening the same file must not fail on already-applied migrations.
	path := filepath.Join(t.TempDir(), "node.db")
	first, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, first.Close())
	second, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestRecordRoundTrip(t *testing.T) {
	s := openTestStore(t)

	rec := dnscore.Record{Domain: "shop.comp9.rednet", Kind: dnscore.KindComputer, OwnerID: 9, RegisteredAt: 1234}
	require.NoError(t, s.SaveRecord(rec))
	require.NoError(t, s.SaveRecord(dnscore.Record{Domain: "blog", Kind: dnscore.KindAlias, OwnerID: 9, RegisteredAt: 5678}))

	recs, err := s.LoadRecords()
	require.NoError(t, err)
	require.Len(t, recs, 2)

	require.NoError(t, s.DeleteRecord("blog"))
	recs, err = s.LoadRecords()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, rec, recs[0])
}

func TestSaveRecordUpserts(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.SaveRecord(dnscore.Record{Domain: "shop", Kind: dnscore.KindAlias, OwnerID: 9, RegisteredAt: 1}))
	require.NoError(t, s.SaveRecord(dnscore.Record{Domain: "shop", Kind: dnscore.KindAlias, OwnerID: 5, RegisteredAt: 2}))

	recs, err := s.LoadRecords()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, 5, recs[0].OwnerID)
}

func TestTrustRoundTrip(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.SaveTrust(3, 0.4))
	require.NoError(t, s.SaveTrust(3, 0.6))
	require.NoError(t, s.SaveTrust(7, 1.0))

	scores, err := s.LoadTrust()
	require.NoError(t, err)
	require.Equal(t, map[int]float64{3: 0.6, 7: 1.0}, scores)
}

func TestBlacklistPrunesExpired(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.SaveBlacklist(5, time.Now().Add(time.Hour)))
	require.NoError(t, s.SaveBlacklist(6, time.Now().Add(-time.Hour)))

	bl, err := s.LoadBlacklist()
	require.NoError(t, err)
	require.Contains(t, bl, 5)
	require.NotContains(t, bl, 6)
}

func TestMeta(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetMeta("schema_note")
	require.True(t, errors.Is(err, rederr.ErrNotFound))

	require.NoError(t, s.SetMeta("schema_note", "v1"))
	require.NoError(t, s.SetMeta("schema_note", "v2"))
	got, err := s.GetMeta("schema_note")
	require.NoError(t, err)
	require.Equal(t, "v2", got)
}
