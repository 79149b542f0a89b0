package synthetic

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAssetNormalize(t *testing.T) {
	a, err := Asset{Symbol: " sUSD ", Name: "Synthetic USD", Category: CategoryFiat, Underlying: "usd", Oracle: "0xORACLE"}.Normalize()
	require.NoError(t, err)
	require.Equal(t, "sUSD", a.Symbol)
	require.Equal(t, "USD", a.Underlying)
	require.Equal(t, "0xoracle", a.Oracle)

	_, err = Asset{Symbol: "sX", Name: "x", Category: Category(7), Underlying: "X", Oracle: "0x1"}.Normalize()
	require.ErrorIs(t, err, ErrInvalidCategory)

	_, err = Asset{Symbol: "", Name: "x", Category: CategoryEquity, Underlying: "X", Oracle: "0x1"}.Normalize()
	require.ErrorIs(t, err, ErrInvalidAsset)
}

func TestCatalogIndexesByCategory(t *testing.T) {
	c := NewCatalog()
	now := time.Now()
	c.Add(Asset{Symbol: "sUSD", Category: CategoryFiat, CreatedAt: now})
	c.Add(Asset{Symbol: "sGLD", Category: CategoryCommodity, CreatedAt: now.Add(time.Second)})
	c.Add(Asset{Symbol: "sEUR", Category: CategoryFiat, CreatedAt: now.Add(2 * time.Second)})
	c.Add(Asset{Symbol: "sUSD", Category: CategoryEquity})

	fiat := c.ByCategory(CategoryFiat)
	require.Len(t, fiat, 2)
	require.Equal(t, "sUSD", fiat[0].Symbol)
	require.Equal(t, "sEUR", fiat[1].Symbol)
	require.Empty(t, c.ByCategory(CategoryEquity))

	require.True(t, c.Has("sGLD"))
	all := c.All()
	require.Len(t, all, 3)
	require.Equal(t, "sGLD", all[1].Symbol)

	other := NewCatalog()
	other.Restore(all)
	require.Equal(t, c.ByCategory(CategoryFiat), other.ByCategory(CategoryFiat))
}

func TestCategoryString(t *testing.T) {
	require.Equal(t, "COMMODITY", CategoryCommodity.String())
	require.Equal(t, "UNKNOWN", Category(-1).String())
}

func TestParseCategory(t *testing.T) {
	c, err := ParseCategory(" commodity ")
	require.NoError(t, err)
	require.Equal(t, CategoryCommodity, c)

	_, err = ParseCategory("bond")
	require.ErrorIs(t, err, ErrInvalidCategory)

	text, err := CategoryEquity.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "EQUITY", string(text))
}
