package image

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/vk/modhost/internal/modapi"
	"github.com/zclconf/go-cty/cty"
)

// Encode produces raw image bytes for the given entry symbol, metadata, and
// section bytes. It is the packing half of Parse and is used by the image
// build tool and by tests.
func Encode(entry string, meta modapi.Meta, data []byte) ([]byte, error) {
	if entry == "" {
		return nil, fmt.Errorf("image: entry symbol required")
	}

	hdr := hclwrite.NewEmptyFile()
	body := hdr.Body()
	body.SetAttributeValue("entry", cty.StringVal(entry))
	body.AppendNewline()

	mod := body.AppendNewBlock("module", nil).Body()
	mod.SetAttributeValue("name", cty.StringVal(meta.Name))
	mod.SetAttributeValue("version", cty.StringVal(meta.Version))
	if len(meta.Settings) > 0 {
		vals := make(map[string]cty.Value, len(meta.Settings))
		for k, v := range meta.Settings {
			vals[k] = cty.StringVal(v)
		}
		mod.SetAttributeValue("settings", cty.MapVal(vals))
	}

	headerBytes := hdr.Bytes()
	if len(headerBytes) > 0xFFFF {
		return nil, fmt.Errorf("image: header too large (%d bytes)", len(headerBytes))
	}

	raw := make([]byte, 0, PreludeSize+len(headerBytes)+len(data))
	raw = append(raw, magic[:]...)
	raw = binary.BigEndian.AppendUint16(raw, ABIVersion)
	raw = binary.BigEndian.AppendUint16(raw, uint16(len(headerBytes)))
	raw = append(raw, headerBytes...)
	raw = append(raw, data...)
	return raw, nil
}

// SettingsKeys returns the setting names in stable order, for logging.
func SettingsKeys(meta modapi.Meta) []string {
	keys := make([]string, 0, len(meta.Settings))
	for k := range meta.Settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
