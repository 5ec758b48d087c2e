package wcutil

import (
	"encoding/hex"
	"fmt"
	"math/rand"
	"moff.io/coursewallet/pkg/errors"
	"net/url"
	"strings"
	"time"
)

// 第一步：建立链接，订阅会话请求
// 第二步：构建jsonrpc的请求，加密后发布到握手topic
//		加密规则:https://github.com/WalletConnect/walletconnect-monorepo/blob/6d440e7990ecfab3b1dca10a8ff45f72af0e1541/legacy/client/src/crypto.ts#L39
// 第三步：订阅connect\session_update\disconnect事件

const (
	alphanumerical  = "abcdefghijklmnopqrstuvwxyz0123456789"
	bridgeURLFormat = "https://%v.bridge.walletconnect.org"
)

func RandomBridgeURL() string {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	c := alphanumerical[r.Intn(len(alphanumerical))]
	return fmt.Sprintf(bridgeURLFormat, string(c))
}

// GetWebSocketURL turns a bridge http(s) url into its websocket endpoint.
func GetWebSocketURL(bridgeURL, protocol, version string) string {
	switch {
	case strings.HasPrefix(bridgeURL, "https"):
		bridgeURL = strings.Replace(bridgeURL, "https", "wss", 1)
	case strings.HasPrefix(bridgeURL, "http"):
		bridgeURL = strings.Replace(bridgeURL, "http", "ws", 1)
	}
	return bridgeURL + "?protocol=" + protocol + "&version=" + version + "&env=coursewallet"
}

// SessionURI is the pairing uri shown to the wallet, usually as a QR code.
type SessionURI struct {
	Topic   string
	Version string
	Bridge  string
	Key     []byte
}

func (u SessionURI) String() string {
	return fmt.Sprintf("wc:%s@%s?bridge=%s&key=%s",
		u.Topic, u.Version, url.QueryEscape(u.Bridge), hex.EncodeToString(u.Key))
}

// ParseSessionURI is the inverse of SessionURI.String.
func ParseSessionURI(s string) (*SessionURI, error) {
	if !strings.HasPrefix(s, "wc:") {
		return nil, errors.Errorf("not a wallet connect uri: %q", s)
	}
	rest := strings.TrimPrefix(s, "wc:")
	head, query, ok := strings.Cut(rest, "?")
	if !ok {
		return nil, errors.Errorf("wallet connect uri without parameters: %q", s)
	}
	topic, version, ok := strings.Cut(head, "@")
	if !ok || topic == "" {
		return nil, errors.Errorf("wallet connect uri without topic: %q", s)
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return nil, errors.Wrap(err, "parse wallet connect uri query")
	}
	key, err := hex.DecodeString(values.Get("key"))
	if err != nil {
		return nil, errors.Wrap(err, "decode wallet connect key")
	}
	return &SessionURI{
		Topic:   topic,
		Version: version,
		Bridge:  values.Get("bridge"),
		Key:     key,
	}, nil
}
