package xfyun

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Credential is the iFlytek application credential triple. It is supplied once
// at startup from configuration and signs every vendor request.
type Credential struct {
	AppID     string
	APIKey    string
	APISecret string
}

// Valid reports whether all three fields are present.
func (c Credential) Valid() bool {
	return c.AppID != "" && c.APIKey != "" && c.APISecret != ""
}

// HTTPDate formats t as an RFC 1123 GMT timestamp, the format the signature
// canonical string and the date query parameter both require.
func HTTPDate(t time.Time) string {
	return t.UTC().Format(http.TimeFormat)
}

// Signature computes the base64 HMAC-SHA256 signature over the canonical
// string "host: {h}\ndate: {d}\n{METHOD} {path} HTTP/1.1".
func Signature(secret, host, date, method, path string) string {
	origin := fmt.Sprintf("host: %s\ndate: %s\n%s %s HTTP/1.1", host, date, method, path)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(origin))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// authorization builds the base64-encoded Authorization field embedding the
// api key, algorithm name, signed headers list and signature.
func (c Credential) authorization(host, date, method, path string) string {
	sig := Signature(c.APISecret, host, date, method, path)
	origin := fmt.Sprintf(`api_key="%s", algorithm="%s", headers="%s", signature="%s"`,
		c.APIKey, "hmac-sha256", "host date request-line", sig)
	return base64.StdEncoding.EncodeToString([]byte(origin))
}

// AssembleURL signs endpoint for the given HTTP method and returns it with
// authorization, date and host attached as query parameters. The same scheme
// serves both WebSocket handshakes (GET) and plain HTTPS calls (POST); only
// the request line inside the canonical string differs.
func (c Credential) AssembleURL(endpoint, method string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("xfyun: parse endpoint: %w", err)
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	date := HTTPDate(time.Now())

	q := u.Query()
	q.Set("authorization", c.authorization(u.Host, date, method, path))
	q.Set("date", date)
	q.Set("host", u.Host)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
