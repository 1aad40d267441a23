package config

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strings"
)

// xmlParser implements koanf's Parser interface over the monitor's XML
// configuration document (koanf ships no XML parser). Element names map
// to lowercased koanf keys; attributes merge into the element's map;
// container elements named in listElems always produce a slice so that a
// document with a single <PEER> unmarshals the same way as one with many.
// A leaf element with a list name (the <ACL> name inside a listener)
// stays a scalar.
type xmlParser struct {
	listElems map[string]bool
}

// newXMLParser returns the parser configured for the monitor's
// repeatable configuration elements.
func newXMLParser() *xmlParser {
	return &xmlParser{
		listElems: map[string]bool{
			"peer":     true,
			"chain":    true,
			"acl":      true,
			"rule":     true,
			"listener": true,
		},
	}
}

// Unmarshal parses the XML document into a nested map. The root
// element is skipped: its children become the top-level keys.
func (p *xmlParser) Unmarshal(b []byte) (map[string]interface{}, error) {
	dec := xml.NewDecoder(bytes.NewReader(b))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return map[string]interface{}{}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("parse config xml: %w", err)
		}
		if start, ok := tok.(xml.StartElement); ok {
			root, _, err := p.element(dec, start)
			if err != nil {
				return nil, err
			}
			if m, ok := root.(map[string]interface{}); ok {
				return m, nil
			}
			return map[string]interface{}{}, nil
		}
	}
}

// element consumes one element and returns its value: a string for
// leaves, a map for containers. The second return is the element name.
func (p *xmlParser) element(dec *xml.Decoder, start xml.StartElement) (interface{}, string, error) {
	name := strings.ToLower(start.Name.Local)
	m := make(map[string]interface{})
	for _, attr := range start.Attr {
		m[strings.ToLower(attr.Name.Local)] = attr.Value
	}

	var text strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, name, fmt.Errorf("parse element %s: %w", name, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child, childName, err := p.element(dec, t)
			if err != nil {
				return nil, name, err
			}
			p.insert(m, childName, child)
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			if len(m) == 0 {
				return strings.TrimSpace(text.String()), name, nil
			}
			return m, name, nil
		}
	}
}

// insert stores a child value, promoting repeated names and known-list
// containers to slices.
func (p *xmlParser) insert(m map[string]interface{}, name string, v interface{}) {
	if _, container := v.(map[string]interface{}); container && p.listElems[name] {
		if existing, ok := m[name].([]interface{}); ok {
			m[name] = append(existing, v)
		} else {
			m[name] = []interface{}{v}
		}
		return
	}
	existing, ok := m[name]
	if !ok {
		m[name] = v
		return
	}
	if slice, ok := existing.([]interface{}); ok {
		m[name] = append(slice, v)
		return
	}
	m[name] = []interface{}{existing, v}
}

// Marshal writes the map back as an XML document, used by the explicit
// configuration save. Keys are emitted uppercase in sorted order.
func (p *xmlParser) Marshal(m map[string]interface{}) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.WriteString("<BGPMON>\n")
	if err := p.marshalMap(&buf, m, 1); err != nil {
		return nil, err
	}
	buf.WriteString("</BGPMON>\n")
	return buf.Bytes(), nil
}

func (p *xmlParser) marshalMap(buf *bytes.Buffer, m map[string]interface{}, depth int) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := p.marshalValue(buf, k, m[k], depth); err != nil {
			return err
		}
	}
	return nil
}

func (p *xmlParser) marshalValue(buf *bytes.Buffer, key string, v interface{}, depth int) error {
	indent := strings.Repeat("  ", depth)
	name := strings.ToUpper(key)

	switch val := v.(type) {
	case map[string]interface{}:
		fmt.Fprintf(buf, "%s<%s>\n", indent, name)
		if err := p.marshalMap(buf, val, depth+1); err != nil {
			return err
		}
		fmt.Fprintf(buf, "%s</%s>\n", indent, name)
	case []interface{}:
		for _, item := range val {
			if err := p.marshalValue(buf, key, item, depth); err != nil {
				return err
			}
		}
	default:
		var text bytes.Buffer
		if err := xml.EscapeText(&text, []byte(fmt.Sprintf("%v", val))); err != nil {
			return fmt.Errorf("escape %s: %w", key, err)
		}
		fmt.Fprintf(buf, "%s<%s>%s</%s>\n", indent, name, text.String(), name)
	}
	return nil
}
