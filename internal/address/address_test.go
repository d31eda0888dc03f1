package address

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBaseIsDeterministic(t *testing.T) {
	a := Base([]byte("author-pk"), []byte("base"))
	b := Base([]byte("author-pk"), []byte("base"))
	require.Equal(t, a, b)

	c := Base([]byte("author-pk"), []byte("other-topic"))
	require.NotEqual(t, a, c)
}

func TestRelativeDerivationIsSensitiveToEveryInput(t *testing.T) {
	base := Base([]byte("author-pk"), []byte("base"))

	r1 := Relative(base, []byte("pub-a"), []byte("base"), 1)
	r2 := Relative(base, []byte("pub-a"), []byte("base"), 2)
	require.NotEqual(t, r1, r2, "cursor must change the relative id")

	r3 := Relative(base, []byte("pub-b"), []byte("base"), 1)
	require.NotEqual(t, r1, r3, "publisher must change the relative id")

	r4 := Relative(base, []byte("pub-a"), []byte("other"), 1)
	require.NotEqual(t, r1, r4, "topic must change the relative id")
}

func TestStringEncoding(t *testing.T) {
	base := Base([]byte("author-pk"), []byte("base"))
	addr := New(base, []byte("pub-a"), []byte("base"), 1)

	s := addr.String()
	require.Len(t, s, BaseSize*2+1+RelativeSize*2)
	require.Equal(t, byte(':'), s[BaseSize*2])
}

func TestTransportKeyDeterministic(t *testing.T) {
	base := Base([]byte("author-pk"), []byte("base"))
	addr := New(base, []byte("pub-a"), []byte("base"), 1)

	k1 := addr.TransportKey()
	k2 := addr.TransportKey()
	require.Equal(t, k1, k2)
}
