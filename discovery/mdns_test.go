package discovery

import (
	"context"
	"net"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestAdvertiseBuildsExpectedTXTRecords(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
		calls       int
	)

	self := testSelf(t, "Alice Laptop", "")
	advertiser := NewAdvertiser(MDNSConfig{
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			calls++
			gotInstance = instance
			gotService = service
			gotDomain = domain
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	})

	withdraw, err := advertiser.Advertise(self, 55055)
	if err != nil {
		t.Fatalf("Advertise failed: %v", err)
	}
	withdraw()
	withdraw()

	publicHex := self.descriptor("", 55055).PublicHex()
	if calls != 1 {
		t.Fatalf("expected one registration, got %d", calls)
	}
	if gotInstance != "lanpair-"+publicHex[:12] {
		t.Fatalf("unexpected instance name: %q", gotInstance)
	}
	if gotService != DefaultService {
		t.Fatalf("unexpected service: %q", gotService)
	}
	if gotDomain != DefaultDomain {
		t.Fatalf("unexpected domain: %q", gotDomain)
	}
	if gotPort != 55055 {
		t.Fatalf("unexpected port: %d", gotPort)
	}

	assertContainsTXT(t, gotTXT, "version=1")
	assertContainsTXT(t, gotTXT, "pk="+publicHex)
	for _, value := range gotTXT {
		if strings.Contains(value, "Alice") {
			t.Fatalf("display name must not be advertised over mDNS: %v", gotTXT)
		}
	}
}

func TestAdvertiseRejectsMissingKeyAndPort(t *testing.T) {
	advertiser := NewAdvertiser(MDNSConfig{
		registerFn: func(string, string, string, int, []string, []net.Interface) (*zeroconf.Server, error) {
			t.Fatalf("register must not be called")
			return nil, nil
		},
	})

	if _, err := advertiser.Advertise(Self{DisplayName: "x"}, 55055); err == nil {
		t.Fatalf("expected missing public key to be rejected")
	}
	if _, err := advertiser.Advertise(testSelf(t, "x", ""), 0); err == nil {
		t.Fatalf("expected zero port to be rejected")
	}
}

func TestBrowserLookupSkipsSelfAndCollectsIPv4(t *testing.T) {
	self := testSelf(t, "self", "")
	other := testSelf(t, "other", "")
	selfHex := self.descriptor("", 1).PublicHex()
	otherHex := other.descriptor("", 1).PublicHex()

	browser, err := NewBrowser(MDNSConfig{
		BrowseTimeout: 50 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- &zeroconf.ServiceEntry{
				Text:     []string{"version=1", "pk=" + selfHex},
				AddrIPv4: []net.IP{net.ParseIP("192.168.1.50")},
			}
			entries <- &zeroconf.ServiceEntry{
				Text:     []string{"version=1", "pk=" + otherHex},
				AddrIPv4: []net.IP{net.ParseIP("192.168.1.12"), net.ParseIP("192.168.1.13")},
			}
			entries <- &zeroconf.ServiceEntry{
				Text:     []string{"version=1"},
				AddrIPv4: []net.IP{net.ParseIP("192.168.1.99")},
			}
			entries <- nil
			return nil
		},
	})
	if err != nil {
		t.Fatalf("NewBrowser failed: %v", err)
	}

	hosts, err := browser.Lookup(context.Background(), self.PublicKey)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	want := []string{"192.168.1.12", "192.168.1.13"}
	if !reflect.DeepEqual(hosts, want) {
		t.Fatalf("unexpected hosts: got %v want %v", hosts, want)
	}
}

func TestMDNSConfigWithDefaults(t *testing.T) {
	cfg := MDNSConfig{}.withDefaults()
	if cfg.Service != DefaultService || cfg.Domain != DefaultDomain {
		t.Fatalf("unexpected service/domain: %q %q", cfg.Service, cfg.Domain)
	}
	if cfg.TTL != DefaultTTL {
		t.Fatalf("expected default TTL %d, got %d", DefaultTTL, cfg.TTL)
	}
	if cfg.BrowseTimeout != DefaultBrowseTimeout {
		t.Fatalf("expected default browse timeout, got %s", cfg.BrowseTimeout)
	}
	if cfg.registerFn == nil {
		t.Fatalf("expected default register func")
	}
}

func TestTXTToMapIgnoresMalformedEntries(t *testing.T) {
	got := txtToMap([]string{"pk = abc", "novalue", "=x", "version=1"})
	want := map[string]string{"pk": "abc", "version": "1"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected map: %v", got)
	}
}

func assertContainsTXT(t *testing.T, txt []string, expected string) {
	t.Helper()
	for _, v := range txt {
		if v == expected {
			return
		}
	}
	t.Fatalf("missing TXT record %q in %v", expected, txt)
}
