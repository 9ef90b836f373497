// Package vpn talks to Outline server management APIs.
package vpn

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var ErrCertMismatch = errors.New("server certificate does not match pinned fingerprint")

// AccessKey is the management API's view of one key.
type AccessKey struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Password  string `json:"password,omitempty"`
	Port      int    `json:"port,omitempty"`
	Method    string `json:"method,omitempty"`
	AccessURL string `json:"accessUrl"`
}

// OutlineClient is bound to one server's secret API URL.
type OutlineClient struct {
	apiURL string
	http   *http.Client
}

// NewOutlineClient builds a client for apiURL. Outline servers use self-signed
// certificates, so when certSHA256 is set the chain is not verified and the
// leaf must match the fingerprint instead.
func NewOutlineClient(apiURL, certSHA256 string, timeout time.Duration) (*OutlineClient, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if certSHA256 != "" {
		want, err := hex.DecodeString(strings.ReplaceAll(certSHA256, ":", ""))
		if err != nil || len(want) != sha256.Size {
			return nil, fmt.Errorf("invalid certificate fingerprint %q", certSHA256)
		}
		transport.TLSClientConfig = &tls.Config{
			InsecureSkipVerify:    true,
			VerifyPeerCertificate: pinnedVerifier(want),
		}
	}
	return &OutlineClient{
		apiURL: strings.TrimRight(apiURL, "/"),
		http:   &http.Client{Transport: transport, Timeout: timeout},
	}, nil
}

func pinnedVerifier(want []byte) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return ErrCertMismatch
		}
		got := sha256.Sum256(rawCerts[0])
		if !bytes.Equal(got[:], want) {
			return ErrCertMismatch
		}
		return nil
	}
}

// ListKeys returns every key on the server.
func (c *OutlineClient) ListKeys(ctx context.Context) ([]AccessKey, error) {
	var body struct {
		AccessKeys []AccessKey `json:"accessKeys"`
	}
	if err := c.do(ctx, http.MethodGet, "/access-keys", nil, http.StatusOK, &body); err != nil {
		return nil, err
	}
	return body.AccessKeys, nil
}

// CreateKey creates an unnamed key and then names it.
func (c *OutlineClient) CreateKey(ctx context.Context, name string) (*AccessKey, error) {
	var key AccessKey
	if err := c.do(ctx, http.MethodPost, "/access-keys", nil, http.StatusCreated, &key); err != nil {
		return nil, err
	}
	if name != "" {
		if err := c.RenameKey(ctx, key.ID, name); err != nil {
			return nil, err
		}
		key.Name = name
	}
	return &key, nil
}

func (c *OutlineClient) RenameKey(ctx context.Context, id, name string) error {
	form := url.Values{"name": {name}}
	return c.do(ctx, http.MethodPut, "/access-keys/"+url.PathEscape(id)+"/name", form, http.StatusNoContent, nil)
}

// GetOrCreateKey returns the access URL of the first key named name, creating
// one when none exists. A retry after a lost response therefore reuses the key
// the server already made.
func (c *OutlineClient) GetOrCreateKey(ctx context.Context, name string) (string, error) {
	keys, err := c.ListKeys(ctx)
	if err != nil {
		return "", err
	}
	for _, k := range keys {
		if k.Name == name && k.AccessURL != "" {
			return k.AccessURL, nil
		}
	}
	key, err := c.CreateKey(ctx, name)
	if err != nil {
		return "", err
	}
	return key.AccessURL, nil
}

func (c *OutlineClient) do(ctx context.Context, method, path string, form url.Values, wantStatus int, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.apiURL+path, body)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		// url.Error carries the full API URL, which embeds the server secret.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: unexpected status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
