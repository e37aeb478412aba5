package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/utilitywarehouse/git-fanout/giturl"
	"github.com/utilitywarehouse/git-fanout/repopool"
)

type remoteCall struct {
	host, path string
}

type fakeRemoteSyncer struct {
	calls chan remoteCall
	err   error
}

func (f *fakeRemoteSyncer) QueueSyncByRemote(_ context.Context, remote *giturl.URL) (int, error) {
	f.calls <- remoteCall{remote.Host, remote.Path}
	if f.err != nil {
		return 0, f.err
	}
	return 1, nil
}

func Test_webhook(t *testing.T) {
	syncer := &fakeRemoteSyncer{calls: make(chan remoteCall, 1)}
	wh := &GithubWebhookHandler{
		repoPool: syncer,
		secret:   "a1b2c3d4e5",
		log:      testLog,
	}

	body := []byte(`{"foo":"bar", "action": "foo"}`)
	signature := wh.computeHMAC(body, wh.secret)

	t.Run("validate signature", func(t *testing.T) {

		if !wh.isValidSignature(body, signature) {
			t.Errorf("isValidSignature() expected true")
		}

		invalidSig := wh.computeHMAC(body, "invalid-secret")

		if wh.isValidSignature(body, invalidSig) {
			t.Errorf("isValidSignature() expected false")
		}

		if wh.isValidSignature([]byte{}, "") {
			t.Errorf("isValidSignature() expected false for emtpy signature")
		}
	})

	t.Run("invalid method", func(t *testing.T) {
		server := httptest.NewServer(http.Handler(wh))
		defer server.Close()

		req, err := http.NewRequest("GET", server.URL, strings.NewReader(string(body)))
		if err != nil {
			t.Fatalf("Failed to make a request: %v", err)
		}
		req.Header.Set("X-Hub-Signature-256", signature)

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("Failed to send request: %v", err)
		}

		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("Expected status %v, got %v", http.StatusBadRequest, resp.StatusCode)
		}
	})

	t.Run("invalid signature", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/github-webhook", strings.NewReader(string(body)))
		req.Header.Set("X-Hub-Signature-256", wh.computeHMAC(body, "invalid-secret"))
		req.Header.Set("X-GitHub-Event", "push")

		rec := httptest.NewRecorder()
		wh.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("Expected status %v, got %v", http.StatusBadRequest, rec.Code)
		}
	})

	t.Run("ping event", func(t *testing.T) {
		server := httptest.NewServer(http.Handler(wh))
		defer server.Close()

		req, err := http.NewRequest("POST", server.URL, strings.NewReader(string(body)))
		if err != nil {
			t.Fatalf("Failed to make a request: %v", err)
		}
		req.Header.Set("X-Hub-Signature-256", signature)
		req.Header.Set("X-GitHub-Event", "ping")

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("Failed to send request: %v", err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Errorf("Expected status %v, got %v", http.StatusOK, resp.StatusCode)
		}

		reply, _ := io.ReadAll(resp.Body)
		if string(reply) != "pong" {
			t.Errorf("Expected pong for ping event")
		}
	})

	t.Run("push event", func(t *testing.T) {
		push := []byte(`{"ref":"refs/heads/main","repository":{"name":"App","owner":{"login":"Acme"},"html_url":"https://github.com/Acme/App"}}`)

		req := httptest.NewRequest("POST", "/github-webhook", strings.NewReader(string(push)))
		req.Header.Set("X-Hub-Signature-256", wh.computeHMAC(push, wh.secret))
		req.Header.Set("X-GitHub-Event", "push")

		rec := httptest.NewRecorder()
		wh.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("Expected status %v, got %v", http.StatusOK, rec.Code)
		}

		select {
		case got := <-syncer.calls:
			if got != (remoteCall{"github.com", "acme/app"}) {
				t.Errorf("QueueSyncByRemote() called with %+v", got)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("push event was not processed")
		}
	})
}

func Test_webhook_unknownRepository(t *testing.T) {
	syncer := &fakeRemoteSyncer{calls: make(chan remoteCall, 1), err: repopool.ErrNotExist}
	wh := &GithubWebhookHandler{repoPool: syncer, secret: "s", log: testLog}

	// unknown repository is not a failed delivery
	wh.processPushEvent(GitHubEvent{Ref: "refs/heads/main"})
	select {
	case <-syncer.calls:
		t.Error("event without repository url must not be queued")
	default:
	}

	var event GitHubEvent
	event.Repository.CloneURL = "https://github.com/acme/unknown.git"
	wh.processPushEvent(event)
	if got := <-syncer.calls; got != (remoteCall{"github.com", "acme/unknown"}) {
		t.Errorf("QueueSyncByRemote() called with %+v", got)
	}
}
