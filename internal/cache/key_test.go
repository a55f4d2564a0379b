package cache

import (
	"net/http"
	"strings"
	"testing"

	"github.com/edgeproxy/edgeproxy/internal/routing"
)

func decisionFor(path string) routing.Decision {
	return routing.Decision{
		BackendHost:  "origin.example",
		UpstreamPath: path,
		Matched:      true,
	}
}

func TestBuildKeyDeterministic(t *testing.T) {
	hdr := http.Header{}
	hdr.Set("Accept-Encoding", "gzip, br")
	hdr.Set("Accept-Language", "en-US,en;q=0.9")

	k1 := BuildKey("GET", "ddt.example", "/notes/a", decisionFor("/ddt/notes/a"), hdr, nil)
	k2 := BuildKey("GET", "ddt.example", "/notes/a", decisionFor("/ddt/notes/a"), hdr, nil)
	if k1 != k2 {
		t.Errorf("identical inputs produced different keys:\n%s\n%s", k1, k2)
	}
}

func TestBuildKeyShape(t *testing.T) {
	k := BuildKey("get", "DDT.Example:8080", "/a", decisionFor("/ddt/a"), http.Header{}, nil)

	parts := strings.Split(k, ":")
	if len(parts) < 6 {
		t.Fatalf("key has %d colon components, want at least 6: %s", len(parts), k)
	}
	if parts[0] != "GET" {
		t.Errorf("method component = %q, want GET", parts[0])
	}
	if parts[1] != "ddt.example" {
		t.Errorf("host component = %q, want port-stripped lowercase ddt.example", parts[1])
	}
	if KeyDomain(k) != "ddt.example" {
		t.Errorf("KeyDomain = %q, want ddt.example", KeyDomain(k))
	}
}

func TestBuildKeyAcceptEncodingNormalized(t *testing.T) {
	h1 := http.Header{}
	h1.Set("Accept-Encoding", "gzip, br")
	h2 := http.Header{}
	h2.Set("Accept-Encoding", "br;q=0.8,  GZIP")

	k1 := BuildKey("GET", "x.example", "/", decisionFor("/"), h1, nil)
	k2 := BuildKey("GET", "x.example", "/", decisionFor("/"), h2, nil)
	if k1 != k2 {
		t.Error("Accept-Encoding ordering and q-values should not split the cache")
	}

	h3 := http.Header{}
	h3.Set("Accept-Encoding", "identity")
	k3 := BuildKey("GET", "x.example", "/", decisionFor("/"), h3, nil)
	if k1 == k3 {
		t.Error("different codings must produce different keys")
	}
}

func TestBuildKeyAcceptLanguagePrimary(t *testing.T) {
	h1 := http.Header{}
	h1.Set("Accept-Language", "en-US,en;q=0.9,fr;q=0.5")
	h2 := http.Header{}
	h2.Set("Accept-Language", "en-us")
	h3 := http.Header{}
	h3.Set("Accept-Language", "de-DE,en;q=0.5")

	k1 := BuildKey("GET", "x.example", "/", decisionFor("/"), h1, nil)
	k2 := BuildKey("GET", "x.example", "/", decisionFor("/"), h2, nil)
	k3 := BuildKey("GET", "x.example", "/", decisionFor("/"), h3, nil)

	if k1 != k2 {
		t.Error("same primary language should produce the same key")
	}
	if k1 == k3 {
		t.Error("different primary language must produce different keys")
	}
}

func TestBuildKeyVaryHeaders(t *testing.T) {
	h1 := http.Header{}
	h1.Set("X-Tenant", "alpha")
	h2 := http.Header{}
	h2.Set("X-Tenant", "beta")

	k1 := BuildKey("GET", "x.example", "/", decisionFor("/"), h1, []string{"X-Tenant"})
	k2 := BuildKey("GET", "x.example", "/", decisionFor("/"), h2, []string{"X-Tenant"})
	if k1 == k2 {
		t.Error("vary header values must split the key")
	}

	// Without the vary list the header is ignored.
	k3 := BuildKey("GET", "x.example", "/", decisionFor("/"), h1, nil)
	k4 := BuildKey("GET", "x.example", "/", decisionFor("/"), h2, nil)
	if k3 != k4 {
		t.Error("non-vary headers must not affect the key")
	}
}

func TestBuildKeyDecisionComponents(t *testing.T) {
	base := BuildKey("GET", "x.example", "/a", decisionFor("/a"), http.Header{}, nil)

	rewritten := BuildKey("GET", "x.example", "/a", decisionFor("/prefix/a"), http.Header{}, nil)
	if base == rewritten {
		t.Error("upstream path must affect the key")
	}

	unmatched := routing.Decision{BackendHost: "origin.example", UpstreamPath: "/a"}
	k := BuildKey("GET", "x.example", "/a", unmatched, http.Header{}, nil)
	if base == k {
		t.Error("matched flag must affect the key")
	}

	other := routing.Decision{BackendHost: "alt.example", UpstreamPath: "/a", Matched: true}
	k = BuildKey("GET", "x.example", "/a", other, http.Header{}, nil)
	if base == k {
		t.Error("backend must affect the key")
	}
}
