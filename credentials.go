package devicelink

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/srishina/devicelink/transport"
)

// DefaultTokenTTL is the lifetime of generated shared access signatures.
const DefaultTokenTTL = time.Hour

// ConnectionString is a parsed device connection string.
type ConnectionString struct {
	HostName            string
	DeviceID            string
	ModuleID            string
	SharedAccessKey     string
	SharedAccessKeyName string
}

// ParseConnectionString parses
// "HostName=...;DeviceId=...;SharedAccessKey=...".
func ParseConnectionString(s string) (*ConnectionString, error) {
	cs := &ConnectionString{}
	for _, part := range strings.Split(s, ";") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("malformed connection string segment %q", part)
		}
		switch strings.TrimSpace(k) {
		case "HostName":
			cs.HostName = v
		case "DeviceId":
			cs.DeviceID = v
		case "ModuleId":
			cs.ModuleID = v
		case "SharedAccessKey":
			cs.SharedAccessKey = v
		case "SharedAccessKeyName":
			cs.SharedAccessKeyName = v
		}
	}
	if cs.HostName == "" || cs.DeviceID == "" {
		return nil, errors.New("connection string requires HostName and DeviceId")
	}
	if cs.SharedAccessKey == "" {
		return nil, errors.New("connection string requires SharedAccessKey")
	}
	return cs, nil
}

// SharedAccessKeyProvider signs hub tokens with a shared access key. A
// token is reused until a tenth of its lifetime remains.
type SharedAccessKeyProvider struct {
	resource string
	key      []byte
	keyName  string
	ttl      time.Duration
	now      func() time.Time

	mu     sync.Mutex
	cached transport.Credential
}

// NewSharedAccessKeyProvider returns a provider for the device (and module,
// when moduleID is set) identity. key is base64 encoded.
func NewSharedAccessKeyProvider(hostName, deviceID, moduleID, key string, ttl time.Duration) (*SharedAccessKeyProvider, error) {
	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("decoding shared access key: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	resource := hostName + "/devices/" + url.PathEscape(deviceID)
	if moduleID != "" {
		resource += "/modules/" + url.PathEscape(moduleID)
	}
	return &SharedAccessKeyProvider{resource: resource, key: decoded, ttl: ttl, now: time.Now}, nil
}

func (p *SharedAccessKeyProvider) Credential(ctx context.Context) (transport.Credential, error) {
	if err := ctx.Err(); err != nil {
		return transport.Credential{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if p.cached.Token != "" && p.cached.ExpiresOn.Sub(now) > p.ttl/10 {
		return p.cached, nil
	}
	expires := now.Add(p.ttl).Truncate(time.Second)
	p.cached = transport.Credential{Token: p.sign(expires), ExpiresOn: expires}
	return p.cached, nil
}

func (p *SharedAccessKeyProvider) sign(expires time.Time) string {
	sr := url.QueryEscape(p.resource)
	se := strconv.FormatInt(expires.Unix(), 10)
	mac := hmac.New(sha256.New, p.key)
	mac.Write([]byte(sr + "\n" + se))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	token := fmt.Sprintf("SharedAccessSignature sr=%s&sig=%s&se=%s", sr, url.QueryEscape(sig), se)
	if p.keyName != "" {
		token += "&skn=" + url.QueryEscape(p.keyName)
	}
	return token
}

// NewClientFromConnectionString creates a client authenticating with the
// connection string's shared access key. Options given later override
// the identity derived from the string.
func NewClientFromConnectionString(connectionString string, opt ...ClientOption) (*Client, error) {
	cs, err := ParseConnectionString(connectionString)
	if err != nil {
		return nil, err
	}
	provider, err := NewSharedAccessKeyProvider(cs.HostName, cs.DeviceID, cs.ModuleID, cs.SharedAccessKey, DefaultTokenTTL)
	if err != nil {
		return nil, err
	}
	provider.keyName = cs.SharedAccessKeyName

	opts := []ClientOption{WithCredentialProvider(provider)}
	if cs.ModuleID != "" {
		opts = append(opts, WithModuleID(cs.ModuleID))
	}
	return NewClient(cs.HostName, cs.DeviceID, append(opts, opt...)...)
}
