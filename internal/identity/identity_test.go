package identity

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignatureIdentityDeterministicFromSeed(t *testing.T) {
	a, err := NewSignatureIdentity([]byte("AUTHORSEED"))
	require.NoError(t, err)
	b, err := NewSignatureIdentity([]byte("AUTHORSEED"))
	require.NoError(t, err)

	require.Equal(t, a.SignKey, b.SignKey)
	require.Equal(t, a.ExchangeSK, b.ExchangeSK)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	id, err := NewSignatureIdentity([]byte("AUTHORSEED"))
	require.NoError(t, err)

	hash := []byte("committed-transcript-hash")
	sig, err := id.Sign(hash)
	require.NoError(t, err)

	identifier := id.ToIdentifier().(*SignatureIdentifier)
	require.True(t, ed25519.Verify(identifier.VerifyKey, hash, sig))
}

func TestSharedSecretAgreement(t *testing.T) {
	alice, err := NewSignatureIdentity([]byte("ALICE"))
	require.NoError(t, err)
	bob, err := NewSignatureIdentity([]byte("BOB"))
	require.NoError(t, err)

	aliceIdentifier := alice.ToIdentifier().(*SignatureIdentifier)
	bobIdentifier := bob.ToIdentifier().(*SignatureIdentifier)

	s1, err := alice.SharedSecret(bobIdentifier.ExchangePK)
	require.NoError(t, err)
	s2, err := bob.SharedSecret(aliceIdentifier.ExchangePK)
	require.NoError(t, err)

	require.Equal(t, s1, s2)
}

func TestPSKIdentityDeterministicFromLabel(t *testing.T) {
	a := NewPSKIdentity("team-psk")
	b := NewPSKIdentity("team-psk")
	require.Equal(t, a.ID, b.ID)
	require.Equal(t, a.Key, b.Key)

	other := NewPSKIdentity("other-psk")
	require.NotEqual(t, a.ID, other.ID)
}
