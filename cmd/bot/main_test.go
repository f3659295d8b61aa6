package main

import (
	"encoding/base64"
	"testing"
)

func TestDecodePosition(t *testing.T) {
	pos, err := decodePosition(base64.StdEncoding.EncodeToString([]byte("[-3,40]")))
	if err != nil || pos != [2]int{-3, 40} {
		t.Fatalf("pos=%v err=%v", pos, err)
	}
	if _, err := decodePosition(""); err == nil {
		t.Fatalf("expected error for empty data")
	}
}
