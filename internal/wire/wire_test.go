package wire

import (
	"errors"
	"strings"
	"testing"
)

func TestParseSendRequest_Valid(t *testing.T) {
	req, err := ParseSendRequest([]byte(`{"action":"sendMessage","meetingId":"m1","messageType":"offer","data":{"sdp":"v=0"}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if req.MeetingID != "m1" || req.Type != KindOffer {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestParseSendRequest_Rejects(t *testing.T) {
	cases := []struct {
		name string
		body string
		want error
	}{
		{
			name: "no selector",
			body: `{"messageType":"chat","data":{"text":"hi"}}`,
			want: ErrBadSelector,
		},
		{
			name: "two selectors",
			body: `{"targetUserId":"u1","meetingId":"m1","messageType":"chat","data":{"text":"hi"}}`,
			want: ErrBadSelector,
		},
		{
			name: "three selectors",
			body: `{"targetConnectionId":"c1","targetUserId":"u1","meetingId":"m1","messageType":"chat","data":{}}`,
			want: ErrBadSelector,
		},
		{
			name: "missing data",
			body: `{"meetingId":"m1","messageType":"chat"}`,
			want: ErrMissingData,
		},
		{
			name: "null data",
			body: `{"meetingId":"m1","messageType":"chat","data":null}`,
			want: ErrMissingData,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseSendRequest([]byte(tc.body))
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestParseSendRequest_UnknownKind(t *testing.T) {
	_, err := ParseSendRequest([]byte(`{"meetingId":"m1","messageType":"teleport","data":{}}`))
	if err == nil || !strings.Contains(err.Error(), "unsupported message type") {
		t.Fatalf("got %v, want unsupported message type error", err)
	}
}

func TestParseSendRequest_UnknownAction(t *testing.T) {
	_, err := ParseSendRequest([]byte(`{"action":"broadcast","meetingId":"m1","messageType":"chat","data":{}}`))
	if err == nil || !strings.Contains(err.Error(), "unsupported action") {
		t.Fatalf("got %v, want unsupported action error", err)
	}
}

func TestParseSendRequest_StrictDecode(t *testing.T) {
	if _, err := ParseSendRequest([]byte(`{"meetingId":"m1","messageType":"chat","data":{},"extra":1}`)); err == nil {
		t.Fatal("expected unknown field to be rejected")
	}
	if _, err := ParseSendRequest([]byte(`{"meetingId":"m1","messageType":"chat","data":{}}{}`)); err == nil {
		t.Fatal("expected trailing data to be rejected")
	}
}

func TestKindValid_CoversEnumeration(t *testing.T) {
	for _, k := range Kinds {
		if !k.Valid() {
			t.Fatalf("kind %q should be valid", k)
		}
	}
	if Kind("receipt").Valid() || Kind("error").Valid() || Kind("").Valid() {
		t.Fatal("non-routable kinds must not validate")
	}
}
