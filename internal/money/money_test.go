package money

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundHalfUp(t *testing.T) {
	amount := decimal.RequireFromString("10.005")

	assert.Equal(t, "10.01", Round(amount, "USD").StringFixed(2))
}

func TestRoundZeroDecimalCurrency(t *testing.T) {
	amount := decimal.RequireFromString("1499.6")

	assert.Equal(t, "1500", Round(amount, "JPY").String())
}

func TestRoundThreeDecimalCurrency(t *testing.T) {
	amount := decimal.RequireFromString("2.00049")

	assert.Equal(t, "2.000", Round(amount, "KWD").StringFixed(3))
}

func TestDecimalMarshalsAsNumber(t *testing.T) {
	out, err := json.Marshal(struct {
		Cost decimal.Decimal `json:"cost"`
	}{Cost: decimal.RequireFromString("30.5")})
	require.NoError(t, err)

	assert.JSONEq(t, `{"cost":30.5}`, string(out))
}

func TestExponentDefaultsToTwo(t *testing.T) {
	assert.Equal(t, int32(2), Exponent("EUR"))
	assert.Equal(t, int32(2), Exponent("unknown"))
	assert.Equal(t, int32(0), Exponent("jpy"))
}
