package sponge

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	plain := []byte("the quick brown fox jumps over the lazy dog")

	enc := New()
	enc.Absorb([]byte("shared-key"))
	enc.Commit()
	cipher := enc.Encrypt(plain)

	dec := New()
	dec.Absorb([]byte("shared-key"))
	dec.Commit()
	got := dec.Decrypt(cipher)

	require.Equal(t, plain, got)
}

func TestSqueezeEQMatchesIdenticalTranscripts(t *testing.T) {
	a := New()
	a.Absorb([]byte("header"))
	a.Commit()
	mac := a.Squeeze(MacSize)

	b := New()
	b.Absorb([]byte("header"))
	b.Commit()
	require.True(t, b.SqueezeEQ(mac))
}

func TestSqueezeEQFailsOnDivergedTranscript(t *testing.T) {
	a := New()
	a.Absorb([]byte("header"))
	a.Commit()
	mac := a.Squeeze(MacSize)

	b := New()
	b.Absorb([]byte("heade!")) // one differing byte in the absorbed transcript
	b.Commit()
	require.False(t, b.SqueezeEQ(mac))
}

func TestForkIsIndependentCopy(t *testing.T) {
	base := New()
	base.Absorb([]byte("common-prefix"))
	base.Commit()

	left := base.Fork()
	right := base.Fork()

	left.Absorb([]byte("left-branch"))
	right.Absorb([]byte("right-branch"))

	require.NotEqual(t, left.state, right.state)
	// base itself must be untouched by either fork's mutation.
	untouched := New()
	untouched.Absorb([]byte("common-prefix"))
	untouched.Commit()
	require.Equal(t, untouched.state, base.state)
}

func TestJoinAbsorbsOtherSqueeze(t *testing.T) {
	other := New()
	other.Absorb([]byte("predecessor"))
	other.Commit()

	s1 := New()
	s1.Join(other.Fork())

	s2 := New()
	s2.Join(other.Fork())

	require.Equal(t, s1.state, s2.state)
}
