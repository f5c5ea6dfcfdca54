// Package settings keeps the per-gateway merchant credentials. They are
// stored as one JSON document with a "wechat" and an "alipay" section.
package settings

import (
	"context"
	"sync"
)

type Wechat struct {
	AppID     string `json:"appId"`
	MchID     string `json:"mchId"`
	APIKey    string `json:"apiKey"`
	NotifyURL string `json:"notifyUrl"`
}

func (w Wechat) Configured() bool {
	return w.AppID != "" && w.MchID != "" && w.APIKey != ""
}

type Alipay struct {
	AppID      string `json:"appId"`
	PrivateKey string `json:"privateKey"`
	PublicKey  string `json:"publicKey"`
	NotifyURL  string `json:"notifyUrl"`
	ReturnURL  string `json:"returnUrl"`
	Sandbox    bool   `json:"sandbox"`
}

func (a Alipay) Configured() bool {
	return a.AppID != "" && a.PrivateKey != "" && a.PublicKey != ""
}

type Settings struct {
	Wechat Wechat `json:"wechat"`
	Alipay Alipay `json:"alipay"`
}

// WechatUpdate and AlipayUpdate carry a partial change: nil fields are left
// alone and secret fields are only replaced by a non-empty value.
type WechatUpdate struct {
	AppID     *string `json:"appId,omitempty"`
	MchID     *string `json:"mchId,omitempty"`
	APIKey    *string `json:"apiKey,omitempty"`
	NotifyURL *string `json:"notifyUrl,omitempty"`
}

type AlipayUpdate struct {
	AppID      *string `json:"appId,omitempty"`
	PrivateKey *string `json:"privateKey,omitempty"`
	PublicKey  *string `json:"publicKey,omitempty"`
	NotifyURL  *string `json:"notifyUrl,omitempty"`
	ReturnURL  *string `json:"returnUrl,omitempty"`
	Sandbox    *bool   `json:"sandbox,omitempty"`
}

type Update struct {
	Wechat *WechatUpdate `json:"wechat,omitempty"`
	Alipay *AlipayUpdate `json:"alipay,omitempty"`
}

func (s Settings) Merge(u Update) Settings {
	if w := u.Wechat; w != nil {
		setPlain(&s.Wechat.AppID, w.AppID)
		setPlain(&s.Wechat.MchID, w.MchID)
		setSecret(&s.Wechat.APIKey, w.APIKey)
		setPlain(&s.Wechat.NotifyURL, w.NotifyURL)
	}

	if a := u.Alipay; a != nil {
		setPlain(&s.Alipay.AppID, a.AppID)
		setSecret(&s.Alipay.PrivateKey, a.PrivateKey)
		setSecret(&s.Alipay.PublicKey, a.PublicKey)
		setPlain(&s.Alipay.NotifyURL, a.NotifyURL)
		setPlain(&s.Alipay.ReturnURL, a.ReturnURL)
		if a.Sandbox != nil {
			s.Alipay.Sandbox = *a.Sandbox
		}
	}

	return s
}

func setPlain(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setSecret(dst *string, v *string) {
	if v != nil && *v != "" {
		*dst = *v
	}
}

type WechatView struct {
	AppID     string `json:"appId"`
	MchID     string `json:"mchId"`
	NotifyURL string `json:"notifyUrl"`
	APIKeySet bool   `json:"apiKeySet"`
}

type AlipayView struct {
	AppID         string `json:"appId"`
	NotifyURL     string `json:"notifyUrl"`
	ReturnURL     string `json:"returnUrl"`
	Sandbox       bool   `json:"sandbox"`
	PrivateKeySet bool   `json:"privateKeySet"`
	PublicKeySet  bool   `json:"publicKeySet"`
}

// View is what leaves the service: secrets are reduced to "is set" flags.
type View struct {
	Wechat WechatView `json:"wechat"`
	Alipay AlipayView `json:"alipay"`
}

func (s Settings) View() View {
	return View{
		Wechat: WechatView{
			AppID:     s.Wechat.AppID,
			MchID:     s.Wechat.MchID,
			NotifyURL: s.Wechat.NotifyURL,
			APIKeySet: s.Wechat.APIKey != "",
		},
		Alipay: AlipayView{
			AppID:         s.Alipay.AppID,
			NotifyURL:     s.Alipay.NotifyURL,
			ReturnURL:     s.Alipay.ReturnURL,
			Sandbox:       s.Alipay.Sandbox,
			PrivateKeySet: s.Alipay.PrivateKey != "",
			PublicKeySet:  s.Alipay.PublicKey != "",
		},
	}
}

type Store interface {
	Load(ctx context.Context) (Settings, error)
	Update(ctx context.Context, u Update) (Settings, error)
}

// MemoryStore keeps settings in process memory only.
type MemoryStore struct {
	mu       sync.Mutex
	settings Settings
}

func NewMemoryStore(initial Settings) *MemoryStore {
	return &MemoryStore{settings: initial}
}

func (m *MemoryStore) Load(context.Context) (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings, nil
}

func (m *MemoryStore) Update(_ context.Context, u Update) (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = m.settings.Merge(u)
	return m.settings, nil
}
