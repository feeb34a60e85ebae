package state

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	contractx "github.com/Rahil-dope/agentic-pharmacy-system/agent/contract"
)

type redisRecorder struct {
	mu       sync.Mutex
	commands [][]any
	reply    func(cmd []any) string
}

func (r *redisRecorder) serve(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer req.Body.Close()
		if got := req.Header.Get("Authorization"); got != "Bearer token" {
			t.Errorf("Authorization = %q", got)
		}
		var cmd []any
		if err := json.NewDecoder(req.Body).Decode(&cmd); err != nil {
			t.Errorf("decode command: %v", err)
			return
		}
		r.mu.Lock()
		r.commands = append(r.commands, cmd)
		r.mu.Unlock()
		if r.reply != nil {
			fmt.Fprint(w, r.reply(cmd))
			return
		}
		fmt.Fprint(w, `{"result":"OK"}`)
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestArchive(t *testing.T, server *httptest.Server, opts ...StoreOption) *UpstashArchive {
	t.Helper()
	opts = append([]StoreOption{WithHTTPClient(server.Client())}, opts...)
	archive, err := NewUpstashArchive(UpstashRedisConfig{URL: server.URL, Token: "token"}, opts...)
	if err != nil {
		t.Fatalf("NewUpstashArchive() error = %v", err)
	}
	return archive
}

func TestUpstashArchiveRequiresURLAndToken(t *testing.T) {
	t.Parallel()

	if _, err := NewUpstashArchive(UpstashRedisConfig{Token: "t"}); err == nil {
		t.Fatal("expected error for missing url")
	}
	if _, err := NewUpstashArchive(UpstashRedisConfig{URL: "https://example.upstash.io"}); err == nil {
		t.Fatal("expected error for missing token")
	}
	if _, err := NewUpstashArchive(UpstashRedisConfig{URL: "https://x", Token: "t"}, WithTTL(-time.Second)); err == nil {
		t.Fatal("expected error for negative ttl")
	}
}

func TestUpstashArchiveSavePushesTrimsAndExpires(t *testing.T) {
	t.Parallel()

	rec := &redisRecorder{}
	archive := newTestArchive(t, rec.serve(t), WithKeyPrefix("test:turns:"), WithKeep(50), WithTTL(90*time.Minute))

	turn := NewTurn("turn-1", 7, "need paracetamol", time.Now())
	if err := turn.Archive(contractx.ChatReply{Status: contractx.StatusApproved, Message: "done"}, time.Now()); err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if err := archive.Save(context.Background(), turn); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if len(rec.commands) != 3 {
		t.Fatalf("commands = %#v", rec.commands)
	}
	push, trim, expire := rec.commands[0], rec.commands[1], rec.commands[2]
	if push[0] != "LPUSH" || push[1] != "test:turns:7" {
		t.Fatalf("push = %#v", push)
	}
	var saved ConversationTurn
	if err := json.Unmarshal([]byte(push[2].(string)), &saved); err != nil {
		t.Fatalf("decode pushed turn: %v", err)
	}
	if saved.ID != "turn-1" || saved.Reply.Status != contractx.StatusApproved {
		t.Fatalf("pushed turn = %+v", saved)
	}
	if trim[0] != "LTRIM" || trim[3] != float64(49) {
		t.Fatalf("trim = %#v", trim)
	}
	if expire[0] != "EXPIRE" || expire[2] != float64(5400) {
		t.Fatalf("expire = %#v", expire)
	}
}

func TestUpstashArchiveSaveWithoutTTLSkipsExpire(t *testing.T) {
	t.Parallel()

	rec := &redisRecorder{}
	archive := newTestArchive(t, rec.serve(t), WithTTL(0))
	if err := archive.Save(context.Background(), NewTurn("turn-2", 3, "hi", time.Now())); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if len(rec.commands) != 2 {
		t.Fatalf("commands = %#v", rec.commands)
	}
	if rec.commands[0][1] != "pharmacy:turns:3" {
		t.Fatalf("key = %v", rec.commands[0][1])
	}
}

func TestUpstashArchiveRecentDecodesNewestFirst(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	older, _ := json.Marshal(NewTurn("old", 7, "a", base))
	newer, _ := json.Marshal(NewTurn("new", 7, "b", base.Add(time.Hour)))
	list, _ := json.Marshal([]string{string(older), string(newer)})

	rec := &redisRecorder{reply: func([]any) string {
		return fmt.Sprintf(`{"result":%s}`, list)
	}}
	archive := newTestArchive(t, rec.serve(t))

	got, err := archive.Recent(context.Background(), 7, 5)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 2 || got[0].ID != "new" || got[1].ID != "old" {
		t.Fatalf("Recent() = %v", ids(got))
	}
	if !got[0].Archived() {
		t.Fatal("loaded turns must be archived")
	}
	cmd := rec.commands[0]
	if cmd[0] != "LRANGE" || cmd[1] != "pharmacy:turns:7" || cmd[3] != float64(4) {
		t.Fatalf("command = %#v", cmd)
	}
}

func TestUpstashArchiveSurfacesRedisErrors(t *testing.T) {
	t.Parallel()

	rec := &redisRecorder{reply: func([]any) string { return `{"error":"WRONGTYPE"}` }}
	archive := newTestArchive(t, rec.serve(t))
	if _, err := archive.Recent(context.Background(), 7, 1); err == nil || err.Error() != "WRONGTYPE" {
		t.Fatalf("Recent() error = %v, want WRONGTYPE", err)
	}
}
