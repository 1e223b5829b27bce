package evidence

import (
	"crypto/sha256"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutGetRoundTrips(t *testing.T) {
	store, err := NewBlobStore(t.TempDir())
	require.NoError(t, err)

	locator := Locator("sess-1", "e1")
	data := []byte("jpeg-bytes-here")
	require.NoError(t, store.Put(locator, data))

	got, err := store.Get(locator)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestGetOfMissingLocatorFails(t *testing.T) {
	store, err := NewBlobStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Get(Locator("sess-1", "does-not-exist"))
	require.Error(t, err)
}

func TestLocatorIsDeterministicPerSessionAndEvent(t *testing.T) {
	require.Equal(t, Locator("s1", "e1"), Locator("s1", "e1"))
	require.NotEqual(t, Locator("s1", "e1"), Locator("s1", "e2"))
	require.NotEqual(t, Locator("s1", "e1"), Locator("s2", "e1"))
}

func TestVerifyChecksumMatchesAndRejectsTampering(t *testing.T) {
	data := []byte("some evidence bytes")
	want := sha256Hex(data)

	require.True(t, VerifyChecksum(data, want))
	require.False(t, VerifyChecksum([]byte("tampered"), want))
	require.False(t, VerifyChecksum(data, "not-a-real-digest"))
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum)
}
