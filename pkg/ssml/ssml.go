// Package ssml deterministically maps text plus optional prosody dynamics
// into an SSML document for the synthesizer. Validation falls back to
// encoding/xml: no SSML/XML helper library appears anywhere in the example
// pack, so the stdlib parser is the idiomatic choice here (see DESIGN.md).
package ssml

import (
	"encoding/xml"
	"strings"

	"github.com/lokutor-ai/babel-relay/pkg/dynamics"
)

var volumeAttr = map[dynamics.Volume]string{
	dynamics.VolumeLoud:    "x-loud",
	dynamics.VolumeMedium:  "medium",
	dynamics.VolumeSoft:    "soft",
	dynamics.VolumeWhisper: "x-soft",
}

var rateAttr = map[dynamics.Rate]string{
	dynamics.RateVerySlow: "x-slow",
	dynamics.RateSlow:     "slow",
	dynamics.RateMedium:   "medium",
	dynamics.RateFast:     "fast",
	dynamics.RateVeryFast: "x-fast",
}

var allowedVolumes = map[string]bool{
	"x-loud": true, "medium": true, "soft": true, "x-soft": true,
}

var allowedRates = map[string]bool{
	"x-slow": true, "slow": true, "medium": true, "fast": true, "x-fast": true,
}

// Build renders text (optionally wrapped in a <prosody> element carrying the
// dynamics-derived rate/volume) into an SSML document. A nil dynamics
// pointer yields the bare <speak> form. Empty text returns "".
func Build(text string, d *dynamics.Dynamics) string {
	if text == "" {
		return ""
	}

	escaped := escape(text)
	var out string
	if d == nil {
		out = "<speak>" + escaped + "</speak>"
	} else {
		rate, rateOK := rateAttr[d.Rate]
		volume, volOK := volumeAttr[d.Volume]
		if !rateOK || !volOK {
			out = "<speak>" + escaped + "</speak>"
		} else {
			out = "<speak><prosody rate=\"" + rate + "\" volume=\"" + volume + "\">" + escaped + "</prosody></speak>"
		}
	}

	if !valid(out) {
		return "<speak>" + escaped + "</speak>"
	}
	return out
}

// escape applies the mandated escape ordering: & first, then < > " '.
func escape(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&apos;")
	return s
}

type speakElement struct {
	XMLName  xml.Name        `xml:"speak"`
	Prosody  *prosodyElement `xml:"prosody"`
	CharData string          `xml:",chardata"`
}

type prosodyElement struct {
	Rate   string `xml:"rate,attr"`
	Volume string `xml:"volume,attr"`
}

// valid checks that ssml parses as XML with a root element named "speak",
// and that any inner <prosody> element carries both rate and volume
// attributes drawn from the allowed sets.
func valid(ssml string) bool {
	var root struct {
		XMLName xml.Name `xml:""`
	}
	if err := xml.Unmarshal([]byte(ssml), &root); err != nil {
		return false
	}
	if root.XMLName.Local != "speak" {
		return false
	}

	var parsed speakElement
	if err := xml.Unmarshal([]byte(ssml), &parsed); err != nil {
		return false
	}
	if parsed.Prosody != nil {
		if !allowedRates[parsed.Prosody.Rate] || !allowedVolumes[parsed.Prosody.Volume] {
			return false
		}
	}
	return true
}

// StripToPlainText recovers the plain text the synthesizer should retry with
// after an invalid-SSML error: strip tags and decode XML entities, per
// spec.md §6.III.
func StripToPlainText(ssml string) string {
	var sb strings.Builder
	decoder := xml.NewDecoder(strings.NewReader(ssml))
	for {
		tok, err := decoder.Token()
		if err != nil {
			break
		}
		if cd, ok := tok.(xml.CharData); ok {
			sb.Write(cd)
		}
	}
	return sb.String()
}
