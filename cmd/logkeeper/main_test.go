package main

import (
	"os"
	"testing"

	log "github.com/sirupsen/logrus"
)

func TestMain(m *testing.M) {
	log.SetLevel(log.PanicLevel)
	exitCode := m.Run()
	os.Exit(exitCode)
}

func TestIndexFor(t *testing.T) {
	tests := []struct {
		name string
		path string
		want string
	}{
		{"webmention receive", "/webmention", "webstead-logs-webmention"},
		{"webmention status", "/webmentions/4cc13e6b-9a66-5bb5-aae5-d4b608e68b45", "webstead-logs-webmention"},
		{"indieauth authorize", "/indieauth/authorize", "webstead-logs-indieauth"},
		{"indieauth token", "/indieauth/token", "webstead-logs-indieauth"},
		{"micropub", "/micropub", "webstead-logs-micropub"},
		{"post detail", "/posts/4cc13e6b-9a66-5bb5-aae5-d4b608e68b45", "webstead-logs"},
		{"root", "/", "webstead-logs"},
		{"empty", "", "webstead-logs"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := indexFor("webstead-logs", tc.path)
			if got != tc.want {
				t.Errorf("want index %q, got %q", tc.want, got)
			}
		})
	}
}

func TestShorten(t *testing.T) {
	if got := shorten("4cc13e6b-9a66"); got != "4cc13e..." {
		t.Errorf("want shortened id %q, got %q", "4cc13e...", got)
	}
	if got := shorten("abc"); got != "abc" {
		t.Errorf("want short id unchanged, got %q", got)
	}
}
