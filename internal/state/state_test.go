package state

import (
	"path/filepath"
	"testing"

	"github.com/alexjbarnes/feedchat/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *State {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := LoadAt(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// --- LoadAt / Close ---

func TestLoadAt_CreatesDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sub", "state.db")
	s, err := LoadAt(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestLoadAt_ReopensExistingDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	s1, err := LoadAt(dbPath)
	require.NoError(t, err)
	require.NoError(t, s1.SetToken("persist-me"))
	require.NoError(t, s1.Close())

	s2, err := LoadAt(dbPath)
	require.NoError(t, err)
	defer s2.Close()

	assert.Equal(t, "persist-me", s2.Token())
}

// --- Token ---

func TestToken_EmptyByDefault(t *testing.T) {
	s := testDB(t)
	assert.Equal(t, "", s.Token())
}

func TestSetToken_Overwrite(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SetToken("old"))
	require.NoError(t, s.SetToken("new"))
	assert.Equal(t, "new", s.Token())
}

// --- User ---

func TestUser_NilByDefault(t *testing.T) {
	s := testDB(t)
	u, err := s.User()
	require.NoError(t, err)
	assert.Nil(t, u)
}

func TestSetUser_RoundTrip(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SetUser(models.User{ID: "u1", Name: "Ada", Email: "ada@example.com"}))

	u, err := s.User()
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "u1", u.ID)
	assert.Equal(t, "Ada", u.Name)
}

// --- Peers ---

func TestSavePeer_AndLookup(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SavePeer(models.User{ID: "u2", Name: "Bob"}))
	require.NoError(t, s.SavePeer(models.User{ID: "u3", Name: "Cy"}))

	p, err := s.Peer("u2")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "Bob", p.Name)

	missing, err := s.Peer("nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	all, err := s.AllPeers()
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSavePeer_IgnoresEmptyID(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SavePeer(models.User{Name: "ghost"}))

	all, err := s.AllPeers()
	require.NoError(t, err)
	assert.Empty(t, all)
}

// --- Clear ---

func TestClear_RemovesEverything(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SetToken("tok"))
	require.NoError(t, s.SetUser(models.User{ID: "u1"}))
	require.NoError(t, s.SavePeer(models.User{ID: "u2", Name: "Bob"}))

	require.NoError(t, s.Clear())

	assert.Empty(t, s.Token())
	u, err := s.User()
	require.NoError(t, err)
	assert.Nil(t, u)
	all, err := s.AllPeers()
	require.NoError(t, err)
	assert.Empty(t, all)

	// Buckets are usable after clearing.
	require.NoError(t, s.SetToken("again"))
	assert.Equal(t, "again", s.Token())
}
