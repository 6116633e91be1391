package keys

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodedKeyRoundTrip(t *testing.T) {
	ek := NewEncodedKey([]byte("hello"), 42, KindSet)
	assert.Equal(t, UserKey("hello"), ek.UserKey())
	assert.EqualValues(t, 42, ek.Seq())
	assert.Equal(t, KindSet, ek.Kind())
}

func TestEncodedKeyOrdersByUserKeyFirst(t *testing.T) {
	a := NewEncodedKey([]byte("a"), 10, KindSet)
	b := NewEncodedKey([]byte("b"), 1, KindSet)
	assert.Negative(t, a.Compare(b))
	assert.Positive(t, b.Compare(a))
}

func TestEncodedKeyOrdersBySequenceDescending(t *testing.T) {
	newer := NewEncodedKey([]byte("k"), 5, KindSet)
	older := NewEncodedKey([]byte("k"), 3, KindSet)
	assert.Negative(t, newer.Compare(older), "higher sequence must sort first")
	assert.Positive(t, older.Compare(newer))
}

func TestEncodedKeyOrdersByKindOnTie(t *testing.T) {
	set := NewEncodedKey([]byte("k"), 5, KindSet)
	del := NewEncodedKey([]byte("k"), 5, KindDelete)
	assert.Negative(t, set.Compare(del))
}

func TestQueryKeySortsBeforeAnyRealRecord(t *testing.T) {
	query := NewQueryKey([]byte("k"))
	real := NewEncodedKey([]byte("k"), 1, KindSet)
	assert.Negative(t, query.Compare(real), "a query key must land before any stored record for the same user key")
}

func TestUserKeyCompare(t *testing.T) {
	assert.Negative(t, UserKey("a").Compare(UserKey("b")))
	assert.Equal(t, 0, UserKey("a").Compare(UserKey("a")))
}

func TestIsValidUserKey(t *testing.T) {
	assert.False(t, IsValidUserKey(UserKey{}))
	assert.True(t, IsValidUserKey(UserKey("x")))
	assert.False(t, IsValidUserKey(make(UserKey, 1024*1024+1)))
}

func TestIsValidValue(t *testing.T) {
	assert.True(t, IsValidValue(nil))
	assert.False(t, IsValidValue(make([]byte, 1024*1024*1024+1)))
}

func TestNewRangeUsesSeekKeysAtBothEnds(t *testing.T) {
	r := NewRange(UserKey("a"), UserKey("c"))
	require.NotNil(t, r.Start)
	require.NotNil(t, r.Limit)
	assert.Equal(t, KindSeek, r.Start.Kind())
	assert.Equal(t, KindSeek, r.Limit.Kind())

	unbounded := NewRange(nil, nil)
	assert.Nil(t, unbounded.Start)
	assert.Nil(t, unbounded.Limit)
}
