package session

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager() (*Manager, *clock) {
	c := &clock{now: time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)}
	return NewManager(time.Hour, WithClock(c.Now)), c
}

func TestResolve_NewAndReuse(t *testing.T) {
	m, c := newTestManager()

	s, created := m.Resolve("", "")
	require.True(t, created)
	_, err := uuid.Parse(s.ID)
	assert.NoError(t, err)

	c.Advance(30 * time.Minute)
	again, created := m.Resolve(s.ID, "")
	assert.False(t, created)
	assert.Equal(t, s.ID, again.ID)
	assert.Equal(t, c.Now(), again.LastActive)
}

func TestResolve_ExpiredStartsNewSession(t *testing.T) {
	m, c := newTestManager()
	s, _ := m.Resolve("", "")

	c.Advance(time.Hour)
	next, created := m.Resolve(s.ID, "")
	assert.True(t, created)
	assert.NotEqual(t, s.ID, next.ID)

	_, err := m.Get(s.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, uint64(1), m.Stats().Expired)
}

func TestResolve_AdoptsUnknownID(t *testing.T) {
	m, _ := newTestManager()
	s, created := m.Resolve("client-chosen", "")
	assert.True(t, created)
	assert.Equal(t, "client-chosen", s.ID)
}

func TestResolve_ByUser(t *testing.T) {
	m, _ := newTestManager()
	first, _ := m.Resolve("", "alice")
	second, created := m.Resolve("", "alice")
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	other, created := m.Resolve("", "bob")
	assert.True(t, created)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestRecordTurnAndEnd(t *testing.T) {
	m, _ := newTestManager()
	s, _ := m.Resolve("", "alice")

	require.NoError(t, m.RecordTurn(s.ID))
	require.NoError(t, m.RecordTurn(s.ID))
	got, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Turns)

	ended, err := m.End(s.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, ended.Turns)
	assert.ErrorIs(t, m.RecordTurn(s.ID), ErrNotFound)
	_, err = m.End(s.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	fresh, created := m.Resolve("", "alice")
	assert.True(t, created)
	assert.NotEqual(t, s.ID, fresh.ID)
}

func TestExpireInactive(t *testing.T) {
	m, c := newTestManager()
	m.Resolve("a", "")
	c.Advance(40 * time.Minute)
	m.Resolve("b", "")
	c.Advance(30 * time.Minute)

	assert.Equal(t, 1, m.ActiveCount())
	assert.Equal(t, 1, m.ExpireInactive())
	assert.Equal(t, Stats{Active: 1, Created: 2, Expired: 1}, m.Stats())
}

func TestNewManager_DefaultTimeout(t *testing.T) {
	m := NewManager(0)
	assert.Equal(t, time.Hour, m.timeout)
}
