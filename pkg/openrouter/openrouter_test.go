package openrouter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

func TestNewModerationClientDefaultsModel(t *testing.T) {
	t.Parallel()

	var gotModel, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Model string `json:"model"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		gotModel = body.Model
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":"modr-1","model":%q,"results":[{"flagged":false}]}`, body.Model)
	}))
	t.Cleanup(server.Close)

	mc, err := NewModerationClient(ModerationConfig{BaseURL: server.URL + "/", APIKey: " mod-key "},
		option.WithHTTPClient(server.Client()), option.WithMaxRetries(0))
	if err != nil {
		t.Fatalf("NewModerationClient() error = %v", err)
	}
	if mc.Model != DefaultModerationModel {
		t.Fatalf("Model = %q, want %q", mc.Model, DefaultModerationModel)
	}

	_, err = mc.Client.Moderations.New(context.Background(), openaisdk.ModerationNewParams{
		Input: openaisdk.ModerationNewParamsInputUnion{OfString: openaisdk.String("two paracetamol")},
		Model: openaisdk.ModerationModel(mc.Model),
	})
	if err != nil {
		t.Fatalf("Moderations.New() error = %v", err)
	}
	if gotModel != DefaultModerationModel {
		t.Fatalf("request model = %q", gotModel)
	}
	if gotAuth != "Bearer mod-key" {
		t.Fatalf("Authorization = %q", gotAuth)
	}
}

func TestNewModerationClientRequiresKey(t *testing.T) {
	t.Parallel()

	if _, err := NewModerationClient(ModerationConfig{APIKey: "  ", Model: "m"}); err == nil {
		t.Fatal("NewModerationClient() error = nil without api key")
	}
}

func TestNewChatModelRequiresModelAndKey(t *testing.T) {
	t.Parallel()

	if _, err := NewChatModel(context.Background(), ChatConfig{APIKey: "k"}); err == nil {
		t.Fatal("NewChatModel() error = nil without model")
	}
	if _, err := NewChatModel(context.Background(), ChatConfig{Model: "m"}); err == nil {
		t.Fatal("NewChatModel() error = nil without api key")
	}
}

func TestHeaderTransportSetsAttribution(t *testing.T) {
	t.Parallel()

	var got http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	t.Cleanup(server.Close)

	client := &http.Client{Transport: headerTransport{
		base:    http.DefaultTransport,
		headers: attribution(" https://pharmacy.example ", "Pharmacy"),
	}}
	resp, err := client.Get(server.URL)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	resp.Body.Close()

	if got.Get("HTTP-Referer") != "https://pharmacy.example" || got.Get("X-Title") != "Pharmacy" {
		t.Fatalf("headers = %v", got)
	}
	if len(attribution("", "")) != 0 {
		t.Fatal("attribution() with no site info should be empty")
	}
}
