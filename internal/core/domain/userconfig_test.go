package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserConfigJSONKeepsUnknownKeys(t *testing.T) {
	raw := `{"name":"alice","login":null,"initial_balance":1000,"symbols":["EURUSD"],"leverage":100}`

	var cfg UserConfig
	require.NoError(t, json.Unmarshal([]byte(raw), &cfg))

	assert.Equal(t, "alice", *cfg.Name)
	assert.Nil(t, cfg.Login)
	assert.Equal(t, 1000.0, *cfg.InitialBalance)
	assert.Equal(t, map[string]any{"symbols": []any{"EURUSD"}, "leverage": float64(100)}, cfg.Extra)

	out, err := json.Marshal(cfg)
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, json.Unmarshal(out, &generic))
	assert.Equal(t, float64(100), generic["leverage"])
	assert.Equal(t, []any{"EURUSD"}, generic["symbols"])
	assert.Contains(t, generic, "password")
	assert.Nil(t, generic["password"])
}

func TestUserConfigJSONWithoutExtra(t *testing.T) {
	var cfg UserConfig
	require.NoError(t, json.Unmarshal([]byte(`{"server":"Demo-A"}`), &cfg))
	assert.Nil(t, cfg.Extra)

	// Extra cannot shadow a modelled field.
	cfg.Extra = map[string]any{"server": "ignored"}
	out, err := json.Marshal(cfg)
	require.NoError(t, err)

	var back UserConfig
	require.NoError(t, json.Unmarshal(out, &back))
	assert.Equal(t, "Demo-A", *back.Server)
}

func TestMergeTruthy(t *testing.T) {
	base := UserConfig{
		Name:           Ptr("alice"),
		InitialBalance: Ptr(500.0),
		Email:          Ptr("a@example.com"),
		Extra:          map[string]any{"hedging": true},
	}

	merged := base.Merge(UserConfig{
		InitialBalance: Ptr(0.0),
		Email:          Ptr(""),
		Phone:          Ptr("+100"),
		Extra:          map[string]any{"hedging": false, "leverage": float64(50)},
	}, MergeTruthy)

	assert.Equal(t, 500.0, *merged.InitialBalance)
	assert.Equal(t, "a@example.com", *merged.Email)
	assert.Equal(t, "+100", *merged.Phone)
	assert.Equal(t, true, merged.Extra["hedging"])
	assert.Equal(t, float64(50), merged.Extra["leverage"])

	// The receiver is not modified.
	assert.Nil(t, base.Phone)
	assert.NotContains(t, base.Extra, "leverage")
}

func TestMergePresent(t *testing.T) {
	base := UserConfig{InitialBalance: Ptr(500.0), Email: Ptr("a@example.com"), MaxTradeDuration: Ptr(60)}

	merged := base.Merge(UserConfig{
		InitialBalance: Ptr(0.0),
		Email:          Ptr(""),
	}, MergePresent)

	assert.Equal(t, 0.0, *merged.InitialBalance)
	assert.Equal(t, "", *merged.Email)
	assert.Equal(t, 60, *merged.MaxTradeDuration)
}

func TestMergeIsIdempotent(t *testing.T) {
	base := UserConfig{Name: Ptr("alice")}
	patch := UserConfig{Server: Ptr("Demo-A"), RiskPerTrade: Ptr(2.0), Extra: map[string]any{"x": "y"}}

	for _, policy := range []MergePolicy{MergeTruthy, MergePresent} {
		once := base.Merge(patch, policy)
		twice := once.Merge(patch, policy)
		assert.Equal(t, once, twice, policy)
	}
}

func TestCredentialsPatch(t *testing.T) {
	assert.True(t, Credentials{}.Empty())
	assert.Equal(t, UserConfig{}, Credentials{}.Patch())

	p := Credentials{Login: "5012345", Password: "pw"}.Patch()
	assert.Equal(t, "5012345", *p.Login)
	assert.Equal(t, "pw", *p.Password)
	assert.Nil(t, p.Investor)
}
