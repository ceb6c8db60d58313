package keystore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenCreatesAndRestoresIdentity(t *testing.T) {
	dir := t.TempDir()

	first, err := Open(Options{DataDir: dir}, zerolog.Nop())
	require.NoError(t, err)
	assert.False(t, first.Degraded())
	assert.True(t, common.IsHexAddress(first.Address()))

	info, err := os.Stat(filepath.Join(dir, FileName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := Open(Options{DataDir: dir}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, first.Address(), second.Address())
}

func TestSealedIdentityRoundTrip(t *testing.T) {
	dir := t.TempDir()

	first, err := Open(Options{DataDir: dir, Passphrase: "hunter2"}, zerolog.Nop())
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	assert.Contains(t, string(raw), cipherSealed)

	second, err := Open(Options{DataDir: dir, Passphrase: "hunter2"}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, first.Address(), second.Address())
	assert.False(t, second.Degraded())
}

func TestWrongPassphraseDegradesWithoutOverwriting(t *testing.T) {
	dir := t.TempDir()
	_, err := Open(Options{DataDir: dir, Passphrase: "right"}, zerolog.Nop())
	require.NoError(t, err)
	before, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)

	s, err := Open(Options{DataDir: dir, Passphrase: "wrong"}, zerolog.Nop())
	require.NoError(t, err)
	assert.True(t, s.Degraded())
	assert.Contains(t, s.DegradedReason(), "passphrase")

	after, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestCorruptFileDegrades(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("{not json"), 0o600))

	s, err := Open(Options{DataDir: dir}, zerolog.Nop())
	require.NoError(t, err)
	assert.True(t, s.Degraded())
	assert.True(t, common.IsHexAddress(s.Address()))
}

func TestUnwritableStorageFallsBackToMemory(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	s, err := Open(Options{DataDir: filepath.Join(blocker, "data")}, zerolog.Nop())
	require.NoError(t, err)
	assert.True(t, s.Degraded())

	sig, err := s.Sign([]byte("still works"))
	require.NoError(t, err)
	assert.True(t, Verify(s.Address(), []byte("still works"), sig))
}

func TestSignAndVerify(t *testing.T) {
	s, err := Open(Options{DataDir: t.TempDir()}, zerolog.Nop())
	require.NoError(t, err)

	payload := []byte(`{"amount":"1000000"}`)
	sig, err := s.Sign(payload)
	require.NoError(t, err)
	assert.Len(t, sig, 2+65*2)
	assert.True(t, Verify(s.Address(), payload, sig))
	assert.False(t, Verify(s.Address(), []byte(`{"amount":"1000001"}`), sig))
	assert.False(t, Verify(s.Address(), payload, "0xdeadbeef"))
}

func TestClearRotatesIdentity(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Options{DataDir: dir}, zerolog.Nop())
	require.NoError(t, err)
	old := s.Address()

	require.NoError(t, s.Clear())
	assert.NotEqual(t, old, s.Address())
	assert.False(t, s.Degraded())

	reopened, err := Open(Options{DataDir: dir}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, s.Address(), reopened.Address())
}
