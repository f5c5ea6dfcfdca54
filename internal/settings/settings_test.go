package settings

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func stored() Settings {
	return Settings{
		Wechat: Wechat{AppID: "wx1", MchID: "100", APIKey: "secret-key", NotifyURL: "https://shop/notify/wx"},
		Alipay: Alipay{AppID: "2021", PrivateKey: "PRIV", PublicKey: "PUB", NotifyURL: "https://shop/notify/ali", Sandbox: true},
	}
}

func TestMerge(t *testing.T) {
	tests := []struct {
		name     string
		update   Update
		expected func(s *Settings)
	}{
		{
			name:     "EmptyUpdateKeepsEverything",
			update:   Update{},
			expected: func(s *Settings) {},
		},
		{
			name:   "OmittedSecretPreserved",
			update: Update{Wechat: &WechatUpdate{AppID: ptr("wx2")}},
			expected: func(s *Settings) {
				s.Wechat.AppID = "wx2"
			},
		},
		{
			name:     "EmptySecretPreserved",
			update:   Update{Wechat: &WechatUpdate{APIKey: ptr("")}, Alipay: &AlipayUpdate{PrivateKey: ptr(""), PublicKey: ptr("")}},
			expected: func(s *Settings) {},
		},
		{
			name:   "SecretReplaced",
			update: Update{Alipay: &AlipayUpdate{PrivateKey: ptr("NEWPRIV")}},
			expected: func(s *Settings) {
				s.Alipay.PrivateKey = "NEWPRIV"
			},
		},
		{
			name:   "PlainFieldCleared",
			update: Update{Alipay: &AlipayUpdate{ReturnURL: ptr(""), NotifyURL: ptr(""), Sandbox: ptr(false)}},
			expected: func(s *Settings) {
				s.Alipay.NotifyURL = ""
				s.Alipay.Sandbox = false
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expected := stored()
			tt.expected(&expected)

			assert.Equal(t, expected, stored().Merge(tt.update))
		})
	}
}

func TestUpdate_DecodesOmittedFieldsAsNil(t *testing.T) {
	var u Update
	require.NoError(t, json.Unmarshal([]byte(`{"wechat":{"mchId":"200"}}`), &u))

	merged := stored().Merge(u)
	assert.Equal(t, "200", merged.Wechat.MchID)
	assert.Equal(t, "secret-key", merged.Wechat.APIKey)
	assert.Equal(t, "PRIV", merged.Alipay.PrivateKey)
}

func TestView_HidesSecrets(t *testing.T) {
	view := stored().View()

	data, err := json.Marshal(view)
	require.NoError(t, err)

	assert.NotContains(t, string(data), "secret-key")
	assert.NotContains(t, string(data), "PRIV")
	assert.True(t, view.Wechat.APIKeySet)
	assert.True(t, view.Alipay.PrivateKeySet)
	assert.True(t, view.Alipay.PublicKeySet)
	assert.False(t, Settings{}.View().Wechat.APIKeySet)
}

func TestConfigured(t *testing.T) {
	s := stored()
	assert.True(t, s.Wechat.Configured())
	assert.True(t, s.Alipay.Configured())

	s.Wechat.APIKey = ""
	s.Alipay.PublicKey = ""
	assert.False(t, s.Wechat.Configured())
	assert.False(t, s.Alipay.Configured())
}

func TestFileStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "conf", "settings.json")
	store := NewFileStore(path)

	empty, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, Settings{}, empty)

	_, err = store.Update(ctx, Update{Wechat: &WechatUpdate{AppID: ptr("wx1"), APIKey: ptr("k1")}})
	require.NoError(t, err)

	merged, err := store.Update(ctx, Update{Wechat: &WechatUpdate{MchID: ptr("100")}})
	require.NoError(t, err)
	assert.Equal(t, Wechat{AppID: "wx1", MchID: "100", APIKey: "k1"}, merged.Wechat)

	reloaded, err := NewFileStore(path).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, merged, reloaded)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Len(t, doc, 2)
	assert.Contains(t, doc, "wechat")
	assert.Contains(t, doc, "alipay")
}

func TestFileStore_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := NewFileStore(path).Load(context.Background())
	assert.Error(t, err)
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore(stored())

	s, err := store.Update(context.Background(), Update{Wechat: &WechatUpdate{APIKey: ptr("")}})
	require.NoError(t, err)
	assert.Equal(t, "secret-key", s.Wechat.APIKey)

	loaded, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, s, loaded)
}
