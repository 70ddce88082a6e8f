package decoder

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"
	"time"

	"wxannual/internal/wx"
)

// Raw type discriminators stored in the Type column.
const (
	rawText         = 1
	rawImage        = 3
	rawVoice        = 34
	rawCard         = 42
	rawVideo        = 43
	rawSticker      = 47
	rawLocation     = 48
	rawApp          = 49
	rawCall         = 50
	rawShortVideo   = 62
	rawSystem       = 10000
	rawSystemMarkup = 10002
)

// Sub-types of rich app messages.
const (
	appFile    = 6
	appSticker = 8
	appQuote   = 57
)

// senderPrefix matches the "<id>:\n" header of received group messages.
var senderPrefix = regexp.MustCompile(`^([0-9A-Za-z_\-@.]+):\n`)

// groupInvite matches the markup notice of being invited into a group
// together with other people, which carries "$username$" and "$others$"
// template slots.
var groupInvite = regexp.MustCompile(`username.*others`)

// payload is the decoded content of one row.
type payload struct {
	typ        wx.MessageType
	text       string
	duration   time.Duration
	lat, lng   float64
	stickerMD5 string
	stickerURL string
	known      bool
}

// splitSender strips the sender header from a received group message body.
func splitSender(body []byte) (sender string, rest []byte) {
	m := senderPrefix.FindSubmatchIndex(body)
	if m == nil {
		return "", body
	}
	return string(body[m[2]:m[3]]), body[m[1]:]
}

// decodePayload dispatches on the raw type. Unrecognized types decode to
// wx.TypeUnknown with known == false.
func decodePayload(rawType int, body []byte) payload {
	switch rawType {
	case rawText:
		return payload{typ: wx.TypeText, text: string(body), known: true}
	case rawImage:
		return payload{typ: wx.TypeImage, known: true}
	case rawVoice:
		p := payload{typ: wx.TypeVoice, known: true}
		if ms, err := strconv.ParseInt(parseMarkup(body).find("voicemsg").Attr("voicelength"), 10, 64); err == nil && ms > 0 {
			p.duration = time.Duration(ms) * time.Millisecond
		}
		return p
	case rawVideo, rawShortVideo:
		return payload{typ: wx.TypeVideo, known: true}
	case rawSticker:
		emoji := parseMarkup(body).find("emoji")
		return payload{
			typ:        wx.TypeSticker,
			stickerMD5: emoji.Attr("md5"),
			stickerURL: emoji.Attr("cdnurl"),
			known:      true,
		}
	case rawLocation:
		loc := parseMarkup(body).find("location")
		p := payload{typ: wx.TypeLocation, known: true}
		p.lat, _ = strconv.ParseFloat(loc.Attr("x"), 64)
		p.lng, _ = strconv.ParseFloat(loc.Attr("y"), 64)
		p.text = loc.Attr("poiname")
		if p.text == "" {
			p.text = loc.Attr("label")
		}
		return p
	case rawApp:
		return decodeApp(body)
	case rawCard:
		card := parseMarkup(body).find()
		if msg := card.child("msg"); msg != nil {
			card = msg
		}
		return payload{typ: wx.TypeLink, text: card.Attr("nickname"), known: true}
	case rawCall:
		return payload{typ: wx.TypeSystem, known: true}
	case rawSystem:
		return payload{typ: wx.TypeSystem, text: strings.TrimSpace(string(body)), known: true}
	case rawSystemMarkup:
		return payload{typ: wx.TypeSystem, known: true}
	default:
		return payload{typ: wx.TypeUnknown}
	}
}

// decodeApp handles rich app messages, whose sub-type lives in the
// document's appmsg/type element.
func decodeApp(body []byte) payload {
	doc := parseMarkup(body)
	app := doc.find("appmsg")
	title := app.child("title").Text()
	sub, _ := strconv.Atoi(app.child("type").Text())

	switch sub {
	case appFile:
		return payload{typ: wx.TypeFile, known: true}
	case appQuote:
		return payload{typ: wx.TypeText, text: title, known: true}
	case appSticker:
		return payload{typ: wx.TypeSticker, stickerMD5: app.find("appattach", "emoticonmd5").Text(), known: true}
	default:
		// Links, music, video shares, mini programs and newer card kinds.
		return payload{typ: wx.TypeLink, text: title, known: true}
	}
}

// hasQuote reports whether a system notice quotes a name, which marks
// notices other than the plain "you added X" greeting.
func hasQuote(body []byte) bool {
	return bytes.ContainsRune(body, '"')
}

func isGroupInvite(body []byte) bool {
	return groupInvite.Match(body)
}
