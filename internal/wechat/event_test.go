package wechat

import (
	"crypto/sha1"
	"encoding/hex"
	"testing"
)

const scanXML = `<xml>
  <ToUserName><![CDATA[gh_1a2b3c4d5e]]></ToUserName>
  <FromUserName><![CDATA[oABCDefghIJKLmnop]]></FromUserName>
  <CreateTime>1755800000</CreateTime>
  <MsgType><![CDATA[event]]></MsgType>
  <Event><![CDATA[SCAN]]></Event>
  <EventKey><![CDATA[scene-42]]></EventKey>
  <Ticket><![CDATA[gQH47joAAAAAAAAAASxodHRwOi8v]]></Ticket>
</xml>`

func TestParseEventScan(t *testing.T) {
	ev, err := ParseEvent([]byte(scanXML))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if ev.FromUserName != "oABCDefghIJKLmnop" {
		t.Fatalf("FromUserName = %q", ev.FromUserName)
	}
	if ev.MsgType != "event" || ev.Event != "SCAN" {
		t.Fatalf("MsgType=%q Event=%q", ev.MsgType, ev.Event)
	}
	if ev.CreateTime != 1755800000 {
		t.Fatalf("CreateTime = %d", ev.CreateTime)
	}
	if !ev.IsScan() {
		t.Fatal("SCAN event not recognized as a scan")
	}
	if got := ev.SceneID(); got != "scene-42" {
		t.Fatalf("SceneID = %q, want scene-42", got)
	}
}

func TestSceneIDStripsSubscribePrefix(t *testing.T) {
	ev := Event{MsgType: "event", Event: "subscribe", EventKey: "qrscene_scene-42"}

	if !ev.IsScan() {
		t.Fatal("subscribe event not recognized as a scan")
	}
	if got := ev.SceneID(); got != "scene-42" {
		t.Fatalf("SceneID = %q, want scene-42", got)
	}
}

func TestIsScanRejectsOtherTraffic(t *testing.T) {
	cases := []struct {
		name string
		ev   Event
	}{
		{"text message", Event{MsgType: "text", Event: "SCAN"}},
		{"menu click", Event{MsgType: "event", Event: "CLICK", EventKey: "menu-1"}},
		{"unsubscribe", Event{MsgType: "event", Event: "unsubscribe"}},
	}
	for _, tc := range cases {
		if tc.ev.IsScan() {
			t.Fatalf("%s treated as a scan", tc.name)
		}
	}
}

func TestParseEventRejectsGarbage(t *testing.T) {
	if _, err := ParseEvent([]byte("definitely not xml")); err == nil {
		t.Fatal("expected a parse error for a non-XML body")
	}
}

func TestVerifySignature(t *testing.T) {
	token, timestamp, nonce := "webhook-token", "1755800000", "nonce-xyz"
	// lexicographic order of the triple is timestamp < nonce < token
	sum := sha1.Sum([]byte("1755800000" + "nonce-xyz" + "webhook-token"))
	sig := hex.EncodeToString(sum[:])

	if !VerifySignature(token, timestamp, nonce, sig) {
		t.Fatal("valid signature rejected")
	}
	if VerifySignature(token, timestamp, nonce, "deadbeef") {
		t.Fatal("bogus signature accepted")
	}
	if VerifySignature("different-token", timestamp, nonce, sig) {
		t.Fatal("signature accepted under the wrong token")
	}
}
