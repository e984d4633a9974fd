package sigauth

import (
	"bytes"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobInvocationDigest_PersonalMessageFraming(t *testing.T) {
	job := common.HexToAddress("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")

	h := crypto.Keccak256(job.Bytes())
	prefixed := append([]byte("\x19Ethereum Signed Message:\n32"), h...)
	want := crypto.Keccak256Hash(prefixed)

	assert.Equal(t, want, JobInvocationDigest(job))
}

func TestSignAndRecover(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	consumer := crypto.PubkeyToAddress(key.PublicKey)
	job := common.HexToAddress("0x1000000000000000000000000000000000000001")

	sig, err := SignJobInvocation(key, job)
	require.NoError(t, err)
	assert.Contains(t, []uint8{27, 28}, sig.V)

	signer, err := ECDSARecoverer{}.RecoverSigner(JobInvocationDigest(job), sig)
	require.NoError(t, err)
	assert.Equal(t, consumer, signer)
	assert.True(t, VerifyJobInvocation(ECDSARecoverer{}, job, sig, consumer))
}

func TestSignatureDoesNotTransferAcrossJobs(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	consumer := crypto.PubkeyToAddress(key.PublicKey)
	jobA := common.HexToAddress("0xa000000000000000000000000000000000000000")
	jobB := common.HexToAddress("0xb000000000000000000000000000000000000000")

	sig, err := SignJobInvocation(key, jobA)
	require.NoError(t, err)

	assert.True(t, VerifyJobInvocation(ECDSARecoverer{}, jobA, sig, consumer))
	assert.False(t, VerifyJobInvocation(ECDSARecoverer{}, jobB, sig, consumer))
}

func TestFromBytes(t *testing.T) {
	base := bytes.Repeat([]byte{1}, 64)

	tests := []struct {
		name    string
		raw     []byte
		wantV   uint8
		wantErr error
	}{
		{"v=0 normalised", append(append([]byte{}, base...), 0), 27, nil},
		{"v=1 normalised", append(append([]byte{}, base...), 1), 28, nil},
		{"v=28 kept", append(append([]byte{}, base...), 28), 28, nil},
		{"v=5 rejected", append(append([]byte{}, base...), 5), 0, ErrInvalidRecoveryID},
		{"short", base, 0, ErrMalformedSignature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig, err := FromBytes(tt.raw)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.ErrorIs(t, err, ErrMalformedSignature)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantV, sig.V)
		})
	}
}

func TestParseHex_RoundTrip(t *testing.T) {
	key, _ := crypto.GenerateKey()
	sig, err := Sign(key, MessageDigest("hello"))
	require.NoError(t, err)

	parsed, err := ParseHex(sig.Hex())
	require.NoError(t, err)
	assert.Equal(t, sig, parsed)

	_, err = ParseHex("0xzz")
	assert.ErrorIs(t, err, ErrMalformedSignature)
}

type countingRecoverer struct {
	calls int
	next  Recoverer
}

func (c *countingRecoverer) RecoverSigner(d common.Hash, s Signature) (common.Address, error) {
	c.calls++
	return c.next.RecoverSigner(d, s)
}

func TestCachingRecoverer(t *testing.T) {
	key, _ := crypto.GenerateKey()
	job := common.HexToAddress("0x0c")
	sig, err := SignJobInvocation(key, job)
	require.NoError(t, err)

	counter := &countingRecoverer{next: ECDSARecoverer{}}
	cached, err := NewCachingRecoverer(counter, 8)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		assert.True(t, VerifyJobInvocation(cached, job, sig, crypto.PubkeyToAddress(key.PublicKey)))
	}
	assert.Equal(t, 1, counter.calls)

	bad := sig
	bad.V = 99
	_, err = cached.RecoverSigner(JobInvocationDigest(job), bad)
	assert.Error(t, err)
}
