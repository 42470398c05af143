package main

import (
	"bytes"
	"net"
	"strings"
	"testing"

	"github.com/sweeney/callstate/internal/baresip"
)

func TestSanitizeLine(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			"auth_pass",
			`{"command":"uanew","params":"<sip:1000@pbx.example.com;transport=wss>;auth_pass=hunter2;regint=300"}`,
			`{"command":"uanew","params":"<sip:1000@pbx.example.com;transport=wss>;auth_pass=REDACTED;regint=300"}`,
		},
		{
			"password field",
			`{"password":"hunter2","user":"1000"}`,
			`{"password":"REDACTED","user":"1000"}`,
		},
		{
			"ip address",
			`{"event":true,"param":"sip:1000@192.168.1.20:5060"}`,
			`{"event":true,"param":"sip:1000@10.0.0.1:5060"}`,
		},
		{
			"localhost kept",
			`{"response":true,"data":"127.0.0.1:4444"}`,
			`{"response":true,"data":"127.0.0.1:4444"}`,
		},
		{
			"external number",
			`{"event":true,"peeruri":"sip:14155552671@trunk.example.com"}`,
			`{"event":true,"peeruri":"sip:15550001234@trunk.example.com"}`,
		},
		{
			"extension kept",
			`{"event":true,"peeruri":"sip:1986@pbx.example.com"}`,
			`{"event":true,"peeruri":"sip:1986@pbx.example.com"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizeLine(tt.in); got != tt.want {
				t.Errorf("sanitizeLine:\n got  %s\n want %s", got, tt.want)
			}
		})
	}
}

func TestRecord(t *testing.T) {
	server, client := net.Pipe()
	go func() {
		enc := baresip.NewEncoder(server)
		enc.Encode([]byte(`{"event":true,"type":"REGISTER_OK"}`))
		enc.Encode([]byte(`{"response":true,"ok":true,"token":"tok1"}`))
		server.Close()
	}()

	var out bytes.Buffer
	n, err := record(baresip.NewDecoder(client), &out)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 frames, got %d", n)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 || !strings.Contains(lines[0], "REGISTER_OK") || !strings.Contains(lines[1], "tok1") {
		t.Errorf("unexpected output %q", out.String())
	}
}
