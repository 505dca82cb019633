package version

import (
	"strings"
	"testing"
)

func TestShortCommit(t *testing.T) {
	t.Parallel()
	if got := shortCommit("0123456789abcdef"); got != "0123456789ab" {
		t.Fatalf("shortCommit=%q", got)
	}
	if got := shortCommit("abc"); got != "abc" {
		t.Fatalf("shortCommit=%q", got)
	}
}

func TestResolveHasVersion(t *testing.T) {
	t.Parallel()
	info := Resolve()
	if info.Version == "" || info.Go == "" {
		t.Fatalf("incomplete info: %+v", info)
	}
	if !strings.HasPrefix(UserAgent(), "llamarun/") {
		t.Fatalf("UserAgent=%q", UserAgent())
	}
}
