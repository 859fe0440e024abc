package storage

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"
)

type fakeSigner struct {
	email    string
	payloads [][]byte
	err      error
}

func (f *fakeSigner) Email() string { return f.email }

func (f *fakeSigner) SignBytes(_ context.Context, payload []byte) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.payloads = append(f.payloads, append([]byte(nil), payload...))
	return []byte("signed"), nil
}

func TestSignedDownloadURL(t *testing.T) {
	signer := &fakeSigner{email: "popups@example.iam.gserviceaccount.com"}
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	client, err := NewClient(signer, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	res, err := client.SignedDownloadURL(context.Background(), "downloads", "/guides/size-guide.pdf", DownloadOptions{ExpiresIn: 5 * time.Minute})
	if err != nil {
		t.Fatalf("SignedDownloadURL: %v", err)
	}
	if !res.ExpiresAt.Equal(now.Add(5 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", res.ExpiresAt)
	}
	parsed, err := url.Parse(res.URL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	if !strings.Contains(parsed.Path, "guides/size-guide.pdf") {
		t.Fatalf("expected object path in url, got %s", parsed.Path)
	}
	query := parsed.Query()
	if query.Get("X-Goog-Signature") == "" {
		t.Fatalf("expected signature in query: %s", parsed.RawQuery)
	}
	expires, err := strconv.Atoi(query.Get("X-Goog-Expires"))
	if err != nil || expires <= 0 || expires > 300 {
		t.Fatalf("expected expiry within 300s of signing, got %q", query.Get("X-Goog-Expires"))
	}
	if disposition := query.Get("response-content-disposition"); disposition != "attachment; filename=size-guide.pdf" {
		t.Fatalf("unexpected disposition %q", disposition)
	}
	if len(signer.payloads) != 1 {
		t.Fatalf("expected one signing call, got %d", len(signer.payloads))
	}
}

func TestSignedDownloadURLValidation(t *testing.T) {
	client, err := NewClient(&fakeSigner{email: "svc@example.com"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	ctx := context.Background()
	cases := []struct {
		bucket, object string
		expiry         time.Duration
		want           error
	}{
		{bucket: "", object: "a.pdf", want: errInvalidBucket},
		{bucket: "b", object: " / ", want: errInvalidObject},
		{bucket: "b", object: "a/../secret.pdf", want: errObjectTraverse},
		{bucket: "b", object: "a.pdf", expiry: 2 * time.Hour, want: errExpiryTooLong},
	}
	for _, tc := range cases {
		_, err := client.SignedDownloadURL(ctx, tc.bucket, tc.object, DownloadOptions{ExpiresIn: tc.expiry})
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s/%s: expected %v, got %v", tc.bucket, tc.object, tc.want, err)
		}
	}

	if _, err := NewClient(&fakeSigner{}); !errors.Is(err, errNoSigner) {
		t.Fatalf("expected errNoSigner, got %v", err)
	}
}

func TestServiceAccountSignerFromJSON(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	raw, _ := json.Marshal(map[string]string{
		"client_email": "svc@example.iam.gserviceaccount.com",
		"private_key":  string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})),
	})

	signer, err := NewServiceAccountSignerFromJSON(raw)
	if err != nil {
		t.Fatalf("NewServiceAccountSignerFromJSON: %v", err)
	}
	if signer.Email() != "svc@example.iam.gserviceaccount.com" {
		t.Fatalf("unexpected email %s", signer.Email())
	}
	sig, err := signer.SignBytes(context.Background(), []byte("payload"))
	if err != nil || len(sig) != 256 {
		t.Fatalf("unexpected signature (%d bytes): %v", len(sig), err)
	}

	if _, err := NewServiceAccountSignerFromJSON([]byte(`{"client_email":"x"}`)); err == nil {
		t.Fatalf("expected missing key error")
	}
}
