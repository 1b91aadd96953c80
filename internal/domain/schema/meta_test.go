package schema

import (
	"fmt"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

func TestMetaPreservesInsertionOrder(t *testing.T) {
	var (
		m   Meta
		err error
	)
	for _, kv := range []struct {
		key   string
		value any
	}{
		{"zeta", 1},
		{"alpha", "a"},
		{"mid", map[string]any{"nested": true}},
	} {
		m, err = m.With(kv.key, kv.value)
		require.NoError(t, err)
	}

	data, err := json.Marshal(m)
	require.NoError(t, err)
	require.Equal(t, `{"zeta":1,"alpha":"a","mid":{"nested":true}}`, string(data))
	require.Equal(t, []string{"zeta", "alpha", "mid"}, m.Keys())
}

func TestMetaWithReplacesInPlaceAndCopies(t *testing.T) {
	base, err := Meta{}.With("a", 1)
	require.NoError(t, err)
	base, err = base.With("b", 2)
	require.NoError(t, err)

	next, err := base.With("a", 3)
	require.NoError(t, err)

	require.Equal(t, []string{"a", "b"}, next.Keys())
	v, ok := next.Get("a")
	require.True(t, ok)
	require.Equal(t, float64(3), v)

	orig, _ := base.Get("a")
	require.Equal(t, float64(1), orig, "original meta must not change")
}

func TestMetaDoesNotAliasCallerState(t *testing.T) {
	payload := map[string]any{"count": 1}
	m, err := Meta{}.With("payload", payload)
	require.NoError(t, err)

	payload["count"] = 99

	raw, ok := m.Raw("payload")
	require.True(t, ok)
	require.JSONEq(t, `{"count":1}`, string(raw))
}

func TestMetaUnmarshalKeepsOrder(t *testing.T) {
	var m Meta
	require.NoError(t, json.Unmarshal([]byte(`{"subscriptionId":"sub-1","b":[1,2],"a":null}`), &m))
	require.Equal(t, []string{"subscriptionId", "b", "a"}, m.Keys())
	require.Equal(t, "sub-1", m.String(MetaKeySubscriptionID))

	var empty Meta
	require.NoError(t, json.Unmarshal([]byte(`null`), &empty))
	require.Equal(t, 0, empty.Len())

	require.Error(t, json.Unmarshal([]byte(`[1,2]`), &m))
}

func TestMetaFromMapSkipsUnencodable(t *testing.T) {
	m, err := MetaFromMap(map[string]any{
		"ok":  "yes",
		"bad": make(chan int),
	})
	require.Error(t, err)
	require.Equal(t, []string{"ok"}, m.Keys())
}

func TestMetaStringIgnoresNonStrings(t *testing.T) {
	m, err := Meta{}.With("tenantKey", 42)
	require.NoError(t, err)
	require.Equal(t, "", m.String("tenantKey"))
	require.Equal(t, "", m.String("missing"))
}

func TestEmptyMetaMarshalsAsObject(t *testing.T) {
	data, err := json.Marshal(Meta{})
	require.NoError(t, err)
	require.Equal(t, `{}`, string(data))
}

func TestMetaUnmarshalLargeObjectIsLinear(t *testing.T) {
	const keys = 100_000
	var b strings.Builder
	b.WriteByte('{')
	for i := 0; i < keys; i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, `"k%d":%d`, i, i)
	}
	b.WriteString(`,"k0":"last"}`)

	start := time.Now()
	var m Meta
	require.NoError(t, json.Unmarshal([]byte(b.String()), &m))
	require.Less(t, time.Since(start), 5*time.Second)

	require.Equal(t, keys, m.Len())
	require.Equal(t, "k0", m.Keys()[0])
	require.Equal(t, "last", m.String("k0"))
	require.Equal(t, fmt.Sprintf("k%d", keys-1), m.Keys()[keys-1])
}

func TestMetaFromMapLargeInput(t *testing.T) {
	src := make(map[string]any, 50_000)
	for i := 0; i < 50_000; i++ {
		src[fmt.Sprintf("k%05d", i)] = i
	}
	start := time.Now()
	m, err := MetaFromMap(src)
	require.NoError(t, err)
	require.Less(t, time.Since(start), 5*time.Second)
	require.Equal(t, 50_000, m.Len())
	require.Equal(t, "k00000", m.Keys()[0])
}
