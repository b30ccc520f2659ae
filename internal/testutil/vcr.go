package testutil

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/dnaeon/go-vcr.v2/cassette"
	"gopkg.in/dnaeon/go-vcr.v2/recorder"
)

// RecordEnv switches Replay to recording against the RARIS API named in the
// test's base URL when set to "record".
const RecordEnv = "RARIS_CASSETTES"

// Headers that carry the API key or a session and never reach a cassette.
var (
	requestSecrets  = []string{"X-API-Key", "Authorization", "Cookie"}
	responseSecrets = []string{"Set-Cookie"}
)

// Replay returns an HTTP client serving REST calls from
// testdata/fixtures/<cassette>.yaml. The cassette is saved when the test
// ends. Streaming endpoints are not replayable; use Server for those.
func Replay(t *testing.T, cassette string) *http.Client {
	t.Helper()

	mode := recorder.ModeReplaying
	if os.Getenv(RecordEnv) == "record" {
		mode = recorder.ModeRecording
	}

	rec, err := recorder.NewAsMode(filepath.Join("testdata", "fixtures", cassette), mode, nil)
	if err != nil {
		t.Fatalf("open cassette %s: %v", cassette, err)
	}
	rec.SetMatcher(matchRoute)
	rec.AddFilter(scrub)

	t.Cleanup(func() {
		if err := rec.Stop(); err != nil {
			t.Errorf("save cassette %s: %v", cassette, err)
		}
	})
	return &http.Client{Transport: rec}
}

// matchRoute pairs a call with an interaction by method and full URL. Query
// bodies differ between runs and are ignored.
func matchRoute(r *http.Request, i cassette.Request) bool {
	return r.Method == i.Method && r.URL.String() == i.URL
}

func scrub(i *cassette.Interaction) error {
	for _, h := range requestSecrets {
		delete(i.Request.Headers, h)
	}
	for _, h := range responseSecrets {
		delete(i.Response.Headers, h)
	}
	return nil
}
