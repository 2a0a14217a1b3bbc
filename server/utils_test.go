package main

import (
	"bytes"
	"encoding/base64"
	"testing"
)

func TestDecodeBase64(t *testing.T) {
	// Bytes which produce both '+' and '/' in standard encoding.
	src := []byte{0xfb, 0xff, 0xbf, 0x01, 0x02}

	cases := []string{
		base64.StdEncoding.EncodeToString(src),
		base64.RawStdEncoding.EncodeToString(src),
		base64.URLEncoding.EncodeToString(src),
		base64.RawURLEncoding.EncodeToString(src),
		" " + base64.StdEncoding.EncodeToString(src) + "\n",
	}
	for _, in := range cases {
		out, err := decodeBase64(in)
		if err != nil {
			t.Errorf("decodeBase64(%q): %v", in, err)
			continue
		}
		if !bytes.Equal(out, src) {
			t.Errorf("decodeBase64(%q) = %v, want %v", in, out, src)
		}
	}

	if _, err := decodeBase64("not base64!"); err == nil {
		t.Error("expected error for invalid input")
	}
}
