package attach_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/MrWong99/toolrelay/pkg/attach"
	"github.com/MrWong99/toolrelay/pkg/attach/memory"
)

func TestParseDataURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		in       string
		wantOK   bool
		wantErr  bool
		wantMIME string
		wantData string
	}{
		{"not a data url", "https://example.test/a.png", false, false, "", ""},
		{"base64", "data:image/png;base64,aGVsbG8=", true, false, "image/png", "hello"},
		{"unpadded base64", "data:image/png;base64,aGVsbG8", true, false, "image/png", "hello"},
		{"percent encoded", "data:text/plain,hi%20there", true, false, "text/plain", "hi there"},
		{"default mime", "data:,x", true, false, "text/plain", "x"},
		{"charset param", "data:text/plain;charset=utf-8;base64,aGk=", true, false, "text/plain", "hi"},
		{"missing comma", "data:image/png;base64", true, true, "", ""},
		{"bad base64", "data:image/png;base64,!!!", true, true, "", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			mime, data, ok, err := attach.ParseDataURL(tc.in)
			if ok != tc.wantOK || (err != nil) != tc.wantErr {
				t.Fatalf("ok=%v err=%v, want ok=%v wantErr=%v", ok, err, tc.wantOK, tc.wantErr)
			}
			if tc.wantErr || !ok {
				return
			}
			if mime != tc.wantMIME || string(data) != tc.wantData {
				t.Errorf("got %q %q, want %q %q", mime, data, tc.wantMIME, tc.wantData)
			}
		})
	}
}

func TestURLFor(t *testing.T) {
	t.Parallel()
	if got := attach.URLFor("/v1/attachments/", "a b"); got != "/v1/attachments/a%20b" {
		t.Errorf("URLFor = %q", got)
	}
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memory.New("/v1/attachments")

	ref, err := s.Put(ctx, []byte("png-bytes"), "image/png")
	if err != nil {
		t.Fatal(err)
	}
	if ref.ID == "" || !strings.HasSuffix(ref.URL, "/"+ref.ID) || !strings.HasPrefix(ref.URL, "/v1/attachments/") {
		t.Errorf("ref = %+v", ref)
	}

	blob, err := s.Get(ctx, ref.ID)
	if err != nil {
		t.Fatal(err)
	}
	if string(blob.Data) != "png-bytes" || blob.MIMEType != "image/png" || blob.Created.IsZero() {
		t.Errorf("blob = %+v", blob)
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, attach.ErrNotFound) {
		t.Errorf("Get(missing) = %v, want ErrNotFound", err)
	}
	if _, err := s.Put(ctx, make([]byte, attach.MaxSize+1), "x/y"); !errors.Is(err, attach.ErrTooLarge) {
		t.Errorf("oversized Put = %v, want ErrTooLarge", err)
	}
}
