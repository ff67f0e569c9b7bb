package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/xtxerr/powerwatch/internal/errors"
	"github.com/xtxerr/powerwatch/internal/usage/types"
)

const samplePage = `<html><body>
<div><span class="t">表&ensp;名&ensp;称:</span> <label class="v">3号楼 502</label></div>
<div><span class="t">表&ensp;&ensp;&ensp;&ensp;号:</span>
  <label class="v">18100071580</label></div>
<div><span class="t">剩余电量:</span><label class="v">97.53</label></div>
<div><span class="t">剩余金额:</span><label class="v">54.12</label></div>
<div><span class="t">综合费用:</span><label class="v">0.5549</label></div>
</body></html>`

func TestParse(t *testing.T) {
	r, err := Parse(samplePage)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if !r.RemainingPower.Equal(types.MustQuantity("97.53")) {
		t.Errorf("remaining power = %s", r.RemainingPower)
	}
	if r.RemainingAmount == nil || r.RemainingAmount.String() != "54.12" {
		t.Errorf("remaining amount = %v", r.RemainingAmount)
	}
	if r.UnitPrice == nil || r.UnitPrice.String() != "0.5549" {
		t.Errorf("unit price = %v", r.UnitPrice)
	}
	if r.MeterName != "3号楼 502" {
		t.Errorf("name = %q", r.MeterName)
	}
	if r.MeterNumber != "18100071580" {
		t.Errorf("number = %q", r.MeterNumber)
	}
}

func TestParse_Failures(t *testing.T) {
	tests := []struct {
		name string
		html string
	}{
		{"intercepted", `<html><body><p>请在微信客户端打开链接</p></body></html>`},
		{"missing power", `<span>剩余金额:</span><label>10</label>`},
		{"malformed power", `<span>剩余电量:</span><label>1.2.3</label>`},
		{"empty", ``},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.html)
			if !errors.Is(err, errors.ErrFetchFailure) {
				t.Errorf("expected ErrFetchFailure, got %v", err)
			}
		})
	}
}

func TestParse_OptionalFieldsAbsent(t *testing.T) {
	r, err := Parse(`<span>剩余电量:</span> <label>12</label>`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if r.RemainingAmount != nil || r.UnitPrice != nil || r.MeterName != "" {
		t.Errorf("unexpected optional fields: %+v", r)
	}
}

func TestHTTPFetcher_Fetch(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(samplePage))
	}))
	defer srv.Close()

	loc := time.FixedZone("CST", 8*3600)
	fixed := time.Date(2025, 3, 4, 2, 0, 0, 0, time.UTC)

	f := NewHTTPFetcher(Config{URL: srv.URL, UserAgent: "MicroMessenger/8.0", Location: loc})
	f.now = func() time.Time { return fixed }

	r, err := f.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if gotUA != "MicroMessenger/8.0" {
		t.Errorf("user agent = %q", gotUA)
	}
	if !r.Timestamp.Equal(fixed) || r.Timestamp.Location() != loc {
		t.Errorf("timestamp = %v", r.Timestamp)
	}
	if !r.RemainingPower.Equal(types.MustQuantity("97.53")) {
		t.Errorf("remaining power = %s", r.RemainingPower)
	}
}

func TestHTTPFetcher_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		timeout time.Duration
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}, time.Second},
		{"intercepted", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("请在微信客户端打开链接"))
		}, time.Second},
		{"timeout", func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
			w.Write([]byte(samplePage))
		}, 50 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			f := NewHTTPFetcher(Config{URL: srv.URL, Timeout: tt.timeout})
			_, err := f.Fetch(context.Background())
			if !errors.Is(err, errors.ErrFetchFailure) {
				t.Errorf("expected ErrFetchFailure, got %v", err)
			}
			if !errors.IsTransient(err) {
				t.Error("fetch failures should be transient")
			}
		})
	}
}

func TestHTTPFetcher_Unreachable(t *testing.T) {
	f := NewHTTPFetcher(Config{URL: "http://127.0.0.1:1/pay", Timeout: time.Second})
	if _, err := f.Fetch(context.Background()); !errors.Is(err, errors.ErrFetchFailure) {
		t.Errorf("expected ErrFetchFailure, got %v", err)
	}
}
