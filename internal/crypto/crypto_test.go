package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Well-known test key (hardhat account #0).
const (
	testKey  = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testAddr = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

func TestSignerAddress(t *testing.T) {
	s, err := NewSigner("0x"+testKey, 1)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(testAddr), s.Address())

	_, err = NewSigner("zz", 1)
	require.Error(t, err)
}

func TestCommandSignatureRoundTrip(t *testing.T) {
	s, err := NewSigner(testKey, 1)
	require.NoError(t, err)

	c, sig, err := s.SignCommand(CommandPayload{
		ID:       "6f1c2a8e-8d0b-4b53-9d35-5a0d7c3c2f11",
		Op:       "accept",
		Body:     []byte(`{"order_id":7}`),
		IssuedAt: 1_700_000_000,
	})
	require.NoError(t, err)
	assert.Equal(t, s.Address(), c.Caller)
	assert.Len(t, sig, 2+130)

	d := NewDomain(1)
	require.NoError(t, d.VerifyCommand(c, sig))

	t.Run("tampered body", func(t *testing.T) {
		bad := c
		bad.Body = []byte(`{"order_id":8}`)
		require.Error(t, d.VerifyCommand(bad, sig))
	})

	t.Run("other chain", func(t *testing.T) {
		require.Error(t, NewDomain(137).VerifyCommand(c, sig))
	})

	t.Run("claimed caller", func(t *testing.T) {
		bad := c
		bad.Caller = common.HexToAddress("0x00000000000000000000000000000000000000a1")
		require.Error(t, d.VerifyCommand(bad, sig))
	})

	t.Run("malformed signature", func(t *testing.T) {
		_, err := d.RecoverCommand(c, "0x1234")
		require.Error(t, err)
		_, err = d.RecoverCommand(c, "nothex")
		require.Error(t, err)
	})
}

func TestBatchSignature(t *testing.T) {
	s, err := NewSigner(testKey, 5)
	require.NoError(t, err)
	b := EventBatch{FromSeq: 10, ToSeq: 14, Root: common.HexToHash("0x01")}

	sig, err := s.SignBatch(b)
	require.NoError(t, err)

	addr, err := s.Domain().RecoverBatch(b, sig)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), addr)

	b.ToSeq = 15
	addr, err = s.Domain().RecoverBatch(b, sig)
	if err == nil {
		assert.NotEqual(t, s.Address(), addr)
	}
}

func TestEncryptDecryptKey(t *testing.T) {
	blob, err := EncryptKey("0x"+testKey, "hunter2")
	require.NoError(t, err)

	got, err := DecryptKey(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, testKey, got)

	_, err = DecryptKey(blob, "wrong")
	require.Error(t, err)

	_, err = EncryptKey(testKey, "")
	require.Error(t, err)
	_, err = EncryptKey("abcd", "pw")
	require.Error(t, err)
}

func TestLoadSigner(t *testing.T) {
	s, err := LoadSigner(KeyConfig{}, 1)
	require.NoError(t, err)
	assert.Nil(t, s)

	blob, err := EncryptKey(testKey, "pw")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "operator.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	s, err = LoadSigner(KeyConfig{EncryptedKeyPath: path, KeyPassword: "pw"}, 1)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(testAddr), s.Address())

	_, err = LoadSigner(KeyConfig{RawPrivateKey: "xyz"}, 1)
	require.Error(t, err)
}

func TestGenerateKey(t *testing.T) {
	key, addr, err := GenerateKey()
	require.NoError(t, err)
	s, err := NewSigner(key, 1)
	require.NoError(t, err)
	assert.Equal(t, addr, s.Address().Hex())
}
