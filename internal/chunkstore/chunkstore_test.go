package chunkstore

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checksumOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestPutGetRoundTrip(t *testing.T) {
	s, err := New(t.TempDir(), 1<<20)
	require.NoError(t, err)

	key := Key{FileID: "f1", Index: 0}
	data := []byte("hello chunk world")
	require.NoError(t, s.Put(key, data, checksumOf(data), false))

	got, err := s.Get(key)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, int64(len(data)), s.UsedBytes())
}

func TestPutWrongChecksumRejectedAndDoesNotAccount(t *testing.T) {
	s, err := New(t.TempDir(), 1<<20)
	require.NoError(t, err)

	key := Key{FileID: "f1", Index: 0}
	err = s.Put(key, []byte("data"), "deadbeef", false)
	assert.ErrorIs(t, err, ErrWrongChecksum)
	assert.Equal(t, int64(0), s.UsedBytes())
	assert.False(t, s.Has(key))
}

func TestPutOutOfCapacity(t *testing.T) {
	s, err := New(t.TempDir(), 4)
	require.NoError(t, err)

	data := []byte("too big")
	err = s.Put(Key{FileID: "f1", Index: 0}, data, checksumOf(data), false)
	assert.ErrorIs(t, err, ErrOutOfCapacity)
}

func TestPutAlreadyPresentIdempotent(t *testing.T) {
	s, err := New(t.TempDir(), 1<<20)
	require.NoError(t, err)

	key := Key{FileID: "f1", Index: 0}
	data := []byte("same bytes")
	sum := checksumOf(data)
	require.NoError(t, s.Put(key, data, sum, false))
	// Second put with the same checksum is a no-op success.
	assert.NoError(t, s.Put(key, data, sum, false))
	assert.Equal(t, int64(len(data)), s.UsedBytes())
}

func TestPutAlreadyPresentMismatchIsHardError(t *testing.T) {
	s, err := New(t.TempDir(), 1<<20)
	require.NoError(t, err)

	key := Key{FileID: "f1", Index: 0}
	data := []byte("first version")
	require.NoError(t, s.Put(key, data, checksumOf(data), false))

	other := []byte("different version, same key")
	err = s.Put(key, other, checksumOf(other), false)
	assert.ErrorIs(t, err, ErrAlreadyPresentMismatch)
}

func TestGetMissing(t *testing.T) {
	s, err := New(t.TempDir(), 1<<20)
	require.NoError(t, err)

	_, err = s.Get(Key{FileID: "nope", Index: 0})
	assert.ErrorIs(t, err, ErrMissing)
}

func TestDeleteReturnsCapacity(t *testing.T) {
	s, err := New(t.TempDir(), 1<<20)
	require.NoError(t, err)

	key := Key{FileID: "f1", Index: 0}
	data := []byte("to be deleted")
	require.NoError(t, s.Put(key, data, checksumOf(data), false))
	require.NoError(t, s.Delete(key))

	assert.Equal(t, int64(0), s.UsedBytes())
	_, err = s.Get(key)
	assert.ErrorIs(t, err, ErrMissing)
}

func TestDeleteMissing(t *testing.T) {
	s, err := New(t.TempDir(), 1<<20)
	require.NoError(t, err)
	assert.ErrorIs(t, s.Delete(Key{FileID: "nope", Index: 0}), ErrMissing)
}

func TestCompressedRoundTrip(t *testing.T) {
	s, err := New(t.TempDir(), 1<<20)
	require.NoError(t, err)

	key := Key{FileID: "f1", Index: 0}
	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i % 7) // compressible pattern
	}
	require.NoError(t, s.Put(key, data, checksumOf(data), true))

	got, err := s.Get(key)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestList(t *testing.T) {
	s, err := New(t.TempDir(), 1<<20)
	require.NoError(t, err)

	d1, d2 := []byte("chunk one"), []byte("chunk two, longer")
	require.NoError(t, s.Put(Key{FileID: "f1", Index: 0}, d1, checksumOf(d1), false))
	require.NoError(t, s.Put(Key{FileID: "f1", Index: 1}, d2, checksumOf(d2), false))

	list := s.List()
	assert.Len(t, list, 2)
}
