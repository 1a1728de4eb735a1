package menu

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMenu = `
items:
  - id: pho
    name: Pho
    item_code: P01
    unit_price: "8.50"
  - id: tea
    name: Jasmine tea
    unit_price: "2"
    available: false
`

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "menu.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleMenu), 0o600))

	catalog, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, catalog.Len())

	pho, err := catalog.Lookup(context.Background(), "pho")
	require.NoError(t, err)
	assert.Equal(t, "Pho", pho.Name)
	assert.Equal(t, "P01", pho.ItemCode)
	assert.True(t, pho.UnitPrice.Equal(decimal.RequireFromString("8.50")))
	assert.True(t, pho.Available)

	tea, err := catalog.Lookup(context.Background(), "tea")
	require.NoError(t, err)
	assert.False(t, tea.Available)
}

func TestLookupUnknown(t *testing.T) {
	_, err := NewStaticCatalog().Lookup(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrMenuItemNotFound)
}

func TestParseRejectsBadItems(t *testing.T) {
	cases := map[string]string{
		"missing id":     "items:\n  - name: X\n    unit_price: \"1\"\n",
		"missing name":   "items:\n  - id: x\n    unit_price: \"1\"\n",
		"zero price":     "items:\n  - id: x\n    name: X\n    unit_price: \"0\"\n",
		"bad price":      "items:\n  - id: x\n    name: X\n    unit_price: abc\n",
		"duplicate id":   "items:\n  - id: x\n    name: X\n    unit_price: \"1\"\n  - id: x\n    name: Y\n    unit_price: \"1\"\n",
		"malformed yaml": "items: [",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(raw))
			assert.Error(t, err)
		})
	}
}
