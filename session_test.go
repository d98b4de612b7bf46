package gapshap

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySessionStore(t *testing.T) {
	s := NewMemorySessionStore()
	_, ok := s.ActiveConversation()
	assert.False(t, ok)

	require.NoError(t, s.SetActiveConversation(12))
	id, ok := s.ActiveConversation()
	assert.True(t, ok)
	assert.Equal(t, int64(12), id)

	require.NoError(t, s.ClearActiveConversation())
	_, ok = s.ActiveConversation()
	assert.False(t, ok)
}

func TestSQLiteSessionStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "session.db")
	key := SessionKey("http://chat.test", "JSESSIONID=abc")

	s, err := OpenSQLiteSessionStore(path, key, quietLogger())
	require.NoError(t, err)
	_, ok := s.ActiveConversation()
	assert.False(t, ok)
	require.NoError(t, s.SetActiveConversation(3))
	require.NoError(t, s.SetActiveConversation(4))
	require.NoError(t, s.Close())

	reopened, err := OpenSQLiteSessionStore(path, key, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })

	id, ok := reopened.ActiveConversation()
	require.True(t, ok)
	assert.Equal(t, int64(4), id)

	require.NoError(t, reopened.ClearActiveConversation())
	_, ok = reopened.ActiveConversation()
	assert.False(t, ok)
}

func TestSQLiteSessionStore_IsolatedPerSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.db")

	first, err := OpenSQLiteSessionStore(path, SessionKey("http://chat.test", "JSESSIONID=one"), quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { first.Close() })
	require.NoError(t, first.SetActiveConversation(7))

	second, err := OpenSQLiteSessionStore(path, SessionKey("http://chat.test", "JSESSIONID=two"), quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { second.Close() })

	_, ok := second.ActiveConversation()
	assert.False(t, ok)

	n, err := second.Prune(context.Background(), time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	_, ok = first.ActiveConversation()
	assert.False(t, ok)
}

func TestSQLiteSessionStore_RequiresKey(t *testing.T) {
	_, err := OpenSQLiteSessionStore(filepath.Join(t.TempDir(), "s.db"), "", nil)
	assert.Error(t, err)
}

func TestSessionKey(t *testing.T) {
	a := SessionKey("http://chat.test", "JSESSIONID=abc")
	assert.Equal(t, a, SessionKey("http://chat.test", "JSESSIONID=abc"))
	assert.NotEqual(t, a, SessionKey("http://chat.test", "JSESSIONID=xyz"))
	assert.NotEqual(t, a, SessionKey("http://other.test", "JSESSIONID=abc"))
}
