package bridgeproof

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func TestComputeIsDeterministic(t *testing.T) {
	proof := []byte{0xde, 0xad, 0xbe, 0xef}
	a := Compute("0xc", uint256.NewInt(500), 43114, proof)
	b := Compute("0xc", uint256.NewInt(500), 43114, append([]byte(nil), proof...))
	require.Equal(t, a, b)
}

func TestComputeSeparatesInputs(t *testing.T) {
	base := Compute("0xc", uint256.NewInt(500), 1, []byte("p"))
	require.NotEqual(t, base, Compute("0xd", uint256.NewInt(500), 1, []byte("p")))
	require.NotEqual(t, base, Compute("0xc", uint256.NewInt(501), 1, []byte("p")))
	require.NotEqual(t, base, Compute("0xc", uint256.NewInt(500), 2, []byte("p")))
	require.NotEqual(t, base, Compute("0xc", uint256.NewInt(500), 1, []byte("q")))

	// shifting a byte between identity and proof must not collide
	require.NotEqual(t, Compute("ab", uint256.NewInt(1), 1, []byte("c")), Compute("a", uint256.NewInt(1), 1, []byte("bc")))
}

func TestParseRoundTrip(t *testing.T) {
	fp := Compute("0xc", uint256.NewInt(7), 9, nil)
	parsed, err := Parse(fp.String())
	require.NoError(t, err)
	require.Equal(t, fp, parsed)

	_, err = Parse("0x1234")
	require.ErrorIs(t, err, ErrMalformed)
	_, err = Parse("zz" + fp.String()[4:])
	require.ErrorIs(t, err, ErrMalformed)
}

func TestTxHashPrefix(t *testing.T) {
	h := TxHash([]byte("a"), []byte("b"))
	require.Len(t, h, 66)
	require.NotEqual(t, h, TxHash([]byte("ab")))
}
