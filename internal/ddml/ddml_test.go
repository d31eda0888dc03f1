package ddml

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"weave/channel/internal/identity"
	"weave/channel/internal/sponge"
)

// encodeFixture writes a small representative sequence of commands,
// exercising absorb/mask/squeeze/commit/sign, and returns the wrapped
// bytes alongside the exact size the SizeOf pass predicted.
func encodeFixture(t *testing.T, id identity.Identity) (wrapped []byte, predictedSize int) {
	t.Helper()

	publicPart := []byte("public-hello")
	maskedPart := []byte("secret-payload")
	nbytes := []byte("12345678901234567890123456789012") // 32 bytes fixed

	sz := NewSizeOf()
	require.NoError(t, sz.AbsorbBytes(&publicPart))
	require.NoError(t, sz.AbsorbNBytes(nbytes))
	require.NoError(t, sz.MaskBytes(&maskedPart))
	require.NoError(t, sz.Sign(id))
	require.NoError(t, sz.SqueezeMAC())
	predictedSize = sz.Size()

	var buf bytes.Buffer
	w := NewWrap(&buf, sponge.New())
	require.NoError(t, w.AbsorbBytes(&publicPart))
	require.NoError(t, w.AbsorbNBytes(nbytes))
	require.NoError(t, w.MaskBytes(&maskedPart))
	w.Commit()
	require.NoError(t, w.Sign(id))
	w.Commit()
	require.NoError(t, w.SqueezeMAC())

	return buf.Bytes(), predictedSize
}

func TestSizeFaithfulness(t *testing.T) {
	id, err := identity.NewSignatureIdentity([]byte("AUTHORSEED"))
	require.NoError(t, err)

	wrapped, predicted := encodeFixture(t, id)
	require.Len(t, wrapped, predicted)
}

func TestRoundTrip(t *testing.T) {
	id, err := identity.NewSignatureIdentity([]byte("AUTHORSEED"))
	require.NoError(t, err)
	wrapped, _ := encodeFixture(t, id)

	r := bytes.NewReader(wrapped)
	u := NewUnwrap(r, sponge.New())

	var gotPublic []byte
	require.NoError(t, u.AbsorbBytes(&gotPublic))
	require.Equal(t, "public-hello", string(gotPublic))

	gotNBytes := make([]byte, 32)
	require.NoError(t, u.AbsorbNBytes(gotNBytes))
	require.Equal(t, "12345678901234567890123456789012", string(gotNBytes))

	var gotMasked []byte
	require.NoError(t, u.MaskBytes(&gotMasked))
	require.Equal(t, "secret-payload", string(gotMasked))

	u.Commit()
	require.NoError(t, u.Verify(id.ToIdentifier()))
	u.Commit()
	require.NoError(t, u.SqueezeMAC())

	require.Equal(t, 0, r.Len(), "unwrap must consume exactly the wrapped bytes")
}

func TestMacSoundnessBitFlip(t *testing.T) {
	id, err := identity.NewSignatureIdentity([]byte("AUTHORSEED"))
	require.NoError(t, err)
	wrapped, _ := encodeFixture(t, id)

	// Flip a single bit inside the trailing signature, just ahead of the MAC.
	flipped := append([]byte(nil), wrapped...)
	flipIndex := len(flipped) - sponge.MacSize - 5
	flipped[flipIndex] ^= 0x01

	r := bytes.NewReader(flipped)
	u := NewUnwrap(r, sponge.New())

	var gotPublic []byte
	require.NoError(t, u.AbsorbBytes(&gotPublic))
	gotNBytes := make([]byte, 32)
	require.NoError(t, u.AbsorbNBytes(gotNBytes))
	var gotMasked []byte
	require.NoError(t, u.MaskBytes(&gotMasked))
	u.Commit()

	err = u.Verify(id.ToIdentifier())
	if err == nil {
		u.Commit()
		err = u.SqueezeMAC()
	}
	require.Error(t, err, "a single flipped bit must eventually fail verification or the MAC check")
}

func TestForkProducesIndependentSubchannel(t *testing.T) {
	var buf bytes.Buffer
	w := NewWrap(&buf, sponge.New())
	require.NoError(t, w.AbsorbNBytes([]byte("common-prefix-bytes")))
	w.Commit()

	baseline := w.Sponge().Fork().Squeeze(16)

	forkA := w.Fork()
	require.NoError(t, forkA.MaskNBytes([]byte("recipient-a-secret!")))

	forkB := w.Fork()
	require.NoError(t, forkB.MaskNBytes([]byte("recipient-b-secret!")))

	// The parent context's own sponge must be untouched by either fork.
	afterForks := w.Sponge().Fork().Squeeze(16)
	require.Equal(t, baseline, afterForks)
}
