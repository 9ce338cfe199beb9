package wechat

import (
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"encoding/xml"
	"sort"
	"strings"
)

// sceneKeyPrefix is prepended by the platform to the EventKey of subscribe
// scans; SCAN events carry the bare scene string.
const sceneKeyPrefix = "qrscene_"

// Event is the XML body the platform POSTs to the webhook. Only the fields
// the service consumes are mapped.
type Event struct {
	XMLName      xml.Name `xml:"xml"`
	ToUserName   string   `xml:"ToUserName"`
	FromUserName string   `xml:"FromUserName"`
	CreateTime   int64    `xml:"CreateTime"`
	MsgType      string   `xml:"MsgType"`
	Event        string   `xml:"Event"`
	EventKey     string   `xml:"EventKey"`
	Ticket       string   `xml:"Ticket"`
}

// ParseEvent decodes a webhook XML body.
func ParseEvent(body []byte) (Event, error) {
	var ev Event
	if err := xml.Unmarshal(body, &ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// IsScan reports whether the event is a QR scan: either a SCAN from an
// already-subscribed user or the subscribe event of a first-time scan.
func (e Event) IsScan() bool {
	if e.MsgType != "event" {
		return false
	}
	return e.Event == "SCAN" || e.Event == "subscribe"
}

// SceneID returns the scene identifier the scan refers to, with the
// subscribe-event prefix stripped when present.
func (e Event) SceneID() string {
	return strings.TrimPrefix(e.EventKey, sceneKeyPrefix)
}

// VerifySignature checks the webhook-endpoint ownership challenge: the
// platform sends the SHA-1 of the sorted (token, timestamp, nonce) triple.
func VerifySignature(token, timestamp, nonce, signature string) bool {
	parts := []string{token, timestamp, nonce}
	sort.Strings(parts)
	sum := sha1.Sum([]byte(strings.Join(parts, "")))
	want := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(want), []byte(signature)) == 1
}
