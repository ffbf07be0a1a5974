// CTI Updater
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/oxbowsec/cti-updater

// Package contentcodec decodes downloaded content bytes into a generic
// document per the configured dataFormat (spec §3 ConfigData.dataFormat:
// json | xml | raw).
package contentcodec

import (
	"bytes"
	"encoding/xml"
	"fmt"

	"github.com/goccy/go-json"
)

// Decoder parses raw bytes into a generic document. Implementations
// should tolerate arbitrary well-formed input and fail with a wrapped
// error identifying the codec on malformed input.
type Decoder interface {
	Decode(data []byte) (interface{}, error)
}

// JSON decodes via goccy/go-json, the JSON library used throughout this
// codebase.
type JSON struct{}

// Decode implements Decoder.
func (JSON) Decode(data []byte) (interface{}, error) {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("contentcodec: decode json: %w", err)
	}
	return v, nil
}

// XML decodes via the standard library's encoding/xml. No ecosystem XML
// library appears anywhere in this codebase's dependency corpus, so this
// is the one deliberate standard-library fallback in the codec layer.
type XML struct{}

// Decode implements Decoder.
func (XML) Decode(data []byte) (interface{}, error) {
	// encoding/xml cannot populate a bare map, so the document is decoded
	// into a generic element tree instead.
	type element struct {
		XMLName  xml.Name
		Attrs    []xml.Attr `xml:",any,attr"`
		Text     string     `xml:",chardata"`
		Children []element  `xml:",any"`
	}
	var v element
	dec := xml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("contentcodec: decode xml: %w", err)
	}
	return v, nil
}

// Raw returns the input bytes unmodified, for dataFormat "raw" where no
// parsing is expected.
type Raw struct{}

// Decode implements Decoder.
func (Raw) Decode(data []byte) (interface{}, error) {
	return data, nil
}

// ForDataFormat returns the Decoder for a configData dataFormat value.
func ForDataFormat(dataFormat string) (Decoder, error) {
	switch dataFormat {
	case "", "raw":
		return Raw{}, nil
	case "json":
		return JSON{}, nil
	case "xml":
		return XML{}, nil
	default:
		return nil, fmt.Errorf("contentcodec: unknown data format %q", dataFormat)
	}
}
