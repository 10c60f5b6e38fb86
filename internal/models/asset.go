package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Asset is the single logical document bound to one blob digest.
type Asset struct {
	ID             string    `json:"id"`
	SHA256         string    `json:"sha256"`
	Filename       string    `json:"filename,omitempty"`
	MimeType       string    `json:"mime_type,omitempty"`
	SizeBytes      int64     `json:"size_bytes"`
	PageCount      *int      `json:"page_count,omitempty"`
	Role           string    `json:"role,omitempty"`
	Purpose        string    `json:"purpose,omitempty"`
	LinkedEntityID *string   `json:"linked_entity_id,omitempty"`
	Meta           AssetMeta `json:"meta"`
	OwnerID        string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// AssetMetaKind selects which known metadata shape an asset carries.
type AssetMetaKind string

const (
	AssetMetaNone  AssetMetaKind = ""
	AssetMetaPDF   AssetMetaKind = "pdf"
	AssetMetaImage AssetMetaKind = "image"
	AssetMetaText  AssetMetaKind = "text"
	AssetMetaNote  AssetMetaKind = "note"
)

type PDFMeta struct {
	PageCount int    `json:"page_count,omitempty"`
	Title     string `json:"title,omitempty"`
}

type ImageMeta struct {
	Width  int `json:"width,omitempty"`
	Height int `json:"height,omitempty"`
}

type TextMeta struct {
	LineCount int `json:"line_count,omitempty"`
}

type NoteMeta struct {
	Color string   `json:"color,omitempty"`
	Tags  []string `json:"tags,omitempty"`
}

// AssetMeta is a tagged union over the known metadata shapes. Fields that
// belong to no known shape are kept in Extra and survive a round trip.
//
// On the wire it is one flat object: {"kind":"pdf","page_count":3,"x":1}.
type AssetMeta struct {
	Kind  AssetMetaKind
	PDF   *PDFMeta
	Image *ImageMeta
	Text  *TextMeta
	Note  *NoteMeta
	Extra map[string]any
}

var assetMetaKeys = map[AssetMetaKind][]string{
	AssetMetaPDF:   {"page_count", "title"},
	AssetMetaImage: {"width", "height"},
	AssetMetaText:  {"line_count"},
	AssetMetaNote:  {"color", "tags"},
}

// IsZero reports whether the metadata carries nothing.
func (m AssetMeta) IsZero() bool {
	return m.Kind == AssetMetaNone && len(m.Extra) == 0
}

func (m AssetMeta) known() any {
	switch m.Kind {
	case AssetMetaPDF:
		return m.PDF
	case AssetMetaImage:
		return m.Image
	case AssetMetaText:
		return m.Text
	case AssetMetaNote:
		return m.Note
	}
	return nil
}

func (m AssetMeta) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+3)
	for k, v := range m.Extra {
		out[k] = v
	}
	if m.Kind != AssetMetaNone {
		out["kind"] = string(m.Kind)
		if known := m.known(); known != nil {
			data, err := json.Marshal(known)
			if err != nil {
				return nil, err
			}
			fields := map[string]any{}
			if err := json.Unmarshal(data, &fields); err != nil {
				return nil, err
			}
			for k, v := range fields {
				out[k] = v
			}
		}
	}
	return json.Marshal(out)
}

func (m *AssetMeta) UnmarshalJSON(data []byte) error {
	*m = AssetMeta{}
	if string(data) == "null" {
		return nil
	}
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("asset meta: %w", err)
	}

	if kindRaw, ok := raw["kind"]; ok {
		var kind string
		if err := json.Unmarshal(kindRaw, &kind); err != nil {
			return fmt.Errorf("asset meta kind: %w", err)
		}
		delete(raw, "kind")
		m.Kind = AssetMetaKind(kind)
	}

	var target any
	switch m.Kind {
	case AssetMetaPDF:
		m.PDF = &PDFMeta{}
		target = m.PDF
	case AssetMetaImage:
		m.Image = &ImageMeta{}
		target = m.Image
	case AssetMetaText:
		m.Text = &TextMeta{}
		target = m.Text
	case AssetMetaNote:
		m.Note = &NoteMeta{}
		target = m.Note
	case AssetMetaNone:
	default:
		// Unknown kinds keep every field verbatim.
		kindJSON, err := json.Marshal(string(m.Kind))
		if err != nil {
			return err
		}
		raw["kind"] = kindJSON
		m.Kind = AssetMetaNone
	}
	if target != nil {
		if err := json.Unmarshal(data, target); err != nil {
			return fmt.Errorf("asset meta %s: %w", m.Kind, err)
		}
		for _, key := range assetMetaKeys[m.Kind] {
			delete(raw, key)
		}
	}

	if len(raw) == 0 {
		return nil
	}
	m.Extra = make(map[string]any, len(raw))
	for k, v := range raw {
		var value any
		if err := json.Unmarshal(v, &value); err != nil {
			return fmt.Errorf("asset meta %s: %w", k, err)
		}
		m.Extra[k] = value
	}
	return nil
}
