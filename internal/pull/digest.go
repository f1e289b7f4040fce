package pull

import (
	"context"
	"crypto/md5" //nolint:gosec // exigido pelo HTTP Digest das câmeras
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// doDigest faz a requisição; se a câmera responder 401 com Digest, repete com
// Authorization. Basic é enviado direto quando não há desafio Digest.
func doDigest(ctx context.Context, client *http.Client, method, rawURL, username, password string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized || username == "" {
		return resp, nil
	}

	authHeader := resp.Header.Get("WWW-Authenticate")
	_ = resp.Body.Close()

	req2, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(strings.ToLower(authHeader), "basic") {
		req2.SetBasicAuth(username, password)
		return client.Do(req2)
	}

	challenge, err := parseDigestAuthHeader(authHeader)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	req2.Header.Set("Authorization", challenge.authorization(method, u.RequestURI(), username, password, randomHex(16)))
	return client.Do(req2)
}

type digestChallenge struct {
	Realm  string
	Nonce  string
	Qop    string
	Opaque string
}

var digestRx = regexp.MustCompile(`(\w+)="([^"]*)"`)

func parseDigestAuthHeader(h string) (*digestChallenge, error) {
	if !strings.HasPrefix(strings.ToLower(h), "digest ") {
		return nil, fmt.Errorf("WWW-Authenticate não é Digest: %q", h)
	}
	res := &digestChallenge{}
	for _, kv := range digestRx.FindAllStringSubmatch(h[len("Digest "):], -1) {
		switch strings.ToLower(kv[1]) {
		case "realm":
			res.Realm = kv[2]
		case "nonce":
			res.Nonce = kv[2]
		case "qop":
			// "auth,auth-int": só auth é suportado
			res.Qop = strings.TrimSpace(strings.Split(kv[2], ",")[0])
		case "opaque":
			res.Opaque = kv[2]
		}
	}
	if res.Realm == "" || res.Nonce == "" {
		return nil, fmt.Errorf("realm/nonce ausentes em WWW-Authenticate: %q", h)
	}
	if res.Qop == "" {
		res.Qop = "auth"
	}
	return res, nil
}

func (c *digestChallenge) authorization(method, uri, username, password, cnonce string) string {
	const nc = "00000001"
	ha1 := md5Hex(username + ":" + c.Realm + ":" + password)
	ha2 := md5Hex(method + ":" + uri)
	response := md5Hex(strings.Join([]string{ha1, c.Nonce, nc, cnonce, c.Qop, ha2}, ":"))

	v := fmt.Sprintf(
		`Digest username="%s", realm="%s", nonce="%s", uri="%s", algorithm=MD5, response="%s", qop=%s, nc=%s, cnonce="%s"`,
		username, c.Realm, c.Nonce, uri, response, c.Qop, nc, cnonce,
	)
	if c.Opaque != "" {
		v += fmt.Sprintf(`, opaque="%s"`, c.Opaque)
	}
	return v
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s)) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
