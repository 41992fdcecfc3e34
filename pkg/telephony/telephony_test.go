package telephony_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/callbridge/pkg/telephony"
	"github.com/coder/websocket"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDecode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		want    telephony.Kind
		wantErr bool
	}{
		{"start", `{"event":"start","start":{"streamSid":"MZ1","callSid":"CA123"}}`, telephony.KindStart, false},
		{"media", `{"event":"media","streamSid":"MZ1","media":{"payload":"//8=","timestamp":"20"}}`, telephony.KindMedia, false},
		{"mark", `{"event":"mark","mark":{"name":"m1"}}`, telephony.KindMark, false},
		{"stop", `{"event":"stop","streamSid":"MZ1"}`, telephony.KindStop, false},
		{"connected", `{"event":"connected","protocol":"Call"}`, telephony.KindOther, false},
		{"start without sid", `{"event":"start","start":{}}`, 0, true},
		{"media without body", `{"event":"media"}`, 0, true},
		{"no event", `{}`, 0, true},
		{"garbage", `nope`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			evt, err := telephony.Decode([]byte(tt.in))
			if tt.wantErr {
				if !errors.Is(err, telephony.ErrMalformed) {
					t.Fatalf("err = %v, want ErrMalformed", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if evt.Kind != tt.want {
				t.Errorf("Kind = %v, want %v", evt.Kind, tt.want)
			}
		})
	}
}

func TestDecode_StartCarriesIdentifiers(t *testing.T) {
	t.Parallel()

	evt, err := telephony.Decode([]byte(`{"event":"start","start":{"streamSid":"MZ1","callSid":"CA123","customParameters":{"lookup_key":"+15550100"}}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if evt.StreamSID != "MZ1" || evt.CallSID != "CA123" {
		t.Errorf("ids = %q / %q", evt.StreamSID, evt.CallSID)
	}
	if evt.CustomParameters["lookup_key"] != "+15550100" {
		t.Errorf("custom parameters = %v", evt.CustomParameters)
	}
}

func TestEncodeDirectives(t *testing.T) {
	t.Parallel()

	data, err := telephony.EncodeMedia("MZ1", "AAEC")
	if err != nil {
		t.Fatal(err)
	}
	var media struct {
		Event     string `json:"event"`
		StreamSID string `json:"streamSid"`
		Media     struct {
			Payload string `json:"payload"`
		} `json:"media"`
	}
	if err := json.Unmarshal(data, &media); err != nil {
		t.Fatal(err)
	}
	if media.Event != "media" || media.StreamSID != "MZ1" || media.Media.Payload != "AAEC" {
		t.Errorf("media frame = %s", data)
	}

	data, err = telephony.EncodeClear("MZ1")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"event":"clear","streamSid":"MZ1"}` {
		t.Errorf("clear frame = %s", data)
	}
}

// TestHandler_RoundTrip dials the handler as the platform would, sends start,
// media and stop, and checks the server side sees them in order and that
// directives written by the server reach the platform.
func TestHandler_RoundTrip(t *testing.T) {
	t.Parallel()

	serverEvents := make(chan telephony.Event, 8)
	srv := httptest.NewServer(telephony.Handler(func(ctx context.Context, s *telephony.Stream) {
		for evt := range s.Events() {
			serverEvents <- evt
			switch evt.Kind {
			case telephony.KindMedia:
				_ = s.SendMedia("MZ1", evt.Payload)
			case telephony.KindStop:
				_ = s.SendClear("MZ1")
				<-s.Done()
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	send := func(frame string) {
		t.Helper()
		if err := conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	recv := func() map[string]any {
		t.Helper()
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return m
	}
	serverGot := func() telephony.Event {
		t.Helper()
		select {
		case evt := <-serverEvents:
			return evt
		case <-time.After(3 * time.Second):
			t.Fatal("timeout waiting for server event")
		}
		return telephony.Event{}
	}

	send(`{"event":"connected","protocol":"Call"}`)
	send(`{"event":"start","start":{"streamSid":"MZ1","callSid":"CA123"}}`)
	send(`not json`)
	send(`{"event":"media","streamSid":"MZ1","media":{"payload":"AAAA"}}`)
	send(`{"event":"media","streamSid":"MZ1","media":{"payload":"BBBB"}}`)

	if evt := serverGot(); evt.Kind != telephony.KindOther {
		t.Fatalf("first event = %v, want other", evt.Kind)
	}
	if evt := serverGot(); evt.Kind != telephony.KindStart || evt.CallSID != "CA123" {
		t.Fatalf("second event = %+v", evt)
	}
	for _, want := range []string{"AAAA", "BBBB"} {
		if evt := serverGot(); evt.Kind != telephony.KindMedia || evt.Payload != want {
			t.Fatalf("server got %+v, want media %q", evt, want)
		}
		out := recv()
		media, _ := out["media"].(map[string]any)
		if out["event"] != "media" || out["streamSid"] != "MZ1" || media["payload"] != want {
			t.Fatalf("platform got %v, want media %q", out, want)
		}
	}

	send(`{"event":"stop","streamSid":"MZ1"}`)
	if evt := serverGot(); evt.Kind != telephony.KindStop {
		t.Fatalf("last event = %v, want stop", evt.Kind)
	}
	if out := recv(); out["event"] != "clear" || out["streamSid"] != "MZ1" {
		t.Fatalf("platform got %v, want clear", out)
	}
}

func TestStream_CloseRejectsSends(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(telephony.Handler(func(ctx context.Context, s *telephony.Stream) {
		<-s.Done()
	}))
	t.Cleanup(srv.Close)

	platform, err := telephony.Dial(context.Background(), wsURL(srv))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	platform.Close()
	platform.Close()

	if err := platform.SendClear("MZ1"); !errors.Is(err, telephony.ErrStreamClosed) {
		t.Errorf("SendClear after Close = %v, want ErrStreamClosed", err)
	}
	select {
	case <-platform.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("Done not closed")
	}
}
