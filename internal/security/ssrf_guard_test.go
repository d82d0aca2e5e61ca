package security

import (
	"errors"
	"net/http"
	"net/netip"
	"net/http/httptest"
	"testing"
	"time"
)

// TestNewSafeClientTimeout はタイムアウト設定が反映されることをテストする。
func TestNewSafeClientTimeout(t *testing.T) {
	for _, allowPrivate := range []bool{false, true} {
		guard := NewSSRFGuard(allowPrivate)
		client := guard.NewSafeClient(5 * time.Second)
		if client.Timeout != 5*time.Second {
			t.Errorf("allowPrivate=%v: expected timeout 5s, got %v", allowPrivate, client.Timeout)
		}
	}
}

// TestNewSafeClientBlocksLoopback はSafeClientがループバックへのリクエストをブロックすることをテストする。
// httptestサーバーは127.0.0.1で起動されるため、safeurlがブロックする。
func TestNewSafeClientBlocksLoopback(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := NewSSRFGuard(false).NewSafeClient(5 * time.Second)

	resp, err := client.Get(ts.URL)
	if err == nil {
		resp.Body.Close()
		t.Fatal("expected error for loopback address request, got nil")
	}
}

// TestNewSafeClient_AllowPrivate_ReachesLoopback はプライベートネットワーク許可時に
// ループバックへ到達できることをテストする。
func TestNewSafeClient_AllowPrivate_ReachesLoopback(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := NewSSRFGuard(true).NewSafeClient(5 * time.Second)

	resp, err := client.Get(ts.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name         string
		url          string
		allowPrivate bool
		wantErr      error
	}{
		{name: "公開HTTPS", url: "https://feeds.example.com/rss.xml"},
		{name: "公開HTTP", url: "http://blog.example.org/feed"},
		{name: "空URL", url: "", wantErr: ErrEmptyURL},
		{name: "ftpスキーム", url: "ftp://example.com/feed", wantErr: ErrDisallowedScheme},
		{name: "fileスキーム", url: "file:///etc/passwd", wantErr: ErrDisallowedScheme},
		{name: "ホスト無し", url: "http:///feed", wantErr: ErrMissingHost},
		{name: "ループバック", url: "http://127.0.0.1/feed", wantErr: ErrBlockedAddress},
		{name: "プライベートIP", url: "http://192.168.1.10/feed", wantErr: ErrBlockedAddress},
		{name: "メタデータIP", url: "http://169.254.169.254/latest", wantErr: ErrBlockedAddress},
		{name: "IPv6ループバック", url: "http://[::1]/feed", wantErr: ErrBlockedAddress},
		{name: "localhost", url: "http://localhost:8080/feed", wantErr: ErrBlockedAddress},
		{name: "IPv4射影IPv6", url: "http://[::ffff:10.0.0.1]/feed", wantErr: ErrBlockedAddress},
		{name: "CGNAT", url: "http://100.64.0.1/feed", wantErr: ErrBlockedAddress},
		{name: "localhostサブドメイン", url: "http://app.localhost/feed", wantErr: ErrBlockedAddress},
		{name: "許可時のループバック", url: "http://127.0.0.1:8080/feed", allowPrivate: true},
		{name: "許可時もスキームは検証", url: "gopher://127.0.0.1/", allowPrivate: true, wantErr: ErrDisallowedScheme},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewSSRFGuard(tt.allowPrivate).ValidateURL(tt.url)
			if tt.wantErr == nil && err != nil {
				t.Errorf("ValidateURL(%q) = %v, want nil", tt.url, err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateURL(%q) = %v, want %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestIsInternalAddr(t *testing.T) {
	tests := map[string]bool{
		"8.8.8.8":          false,
		"2001:4860::8888":  false,
		"93.184.216.34":    false,
		"127.0.0.1":        true,
		"10.1.2.3":         true,
		"172.16.0.1":       true,
		"192.168.0.1":      true,
		"169.254.169.254":  true,
		"0.0.0.0":          true,
		"100.64.1.1":       true,
		"::1":              true,
		"fe80::1":          true,
		"fd00::1":          true,
		"::ffff:127.0.0.1": true,
		"224.0.0.1":        true,
	}
	for in, want := range tests {
		if got := IsInternalAddr(netip.MustParseAddr(in)); got != want {
			t.Errorf("IsInternalAddr(%s) = %v, want %v", in, got, want)
		}
	}
}
