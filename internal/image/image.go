// Package image implements the on-disk module image format.
//
// An image is a binary blob with a fixed prelude followed by an HCL header
// and the module's section bytes:
//
//	offset 0  magic "MODB" (4 bytes)
//	offset 4  ABI version, uint16 big-endian
//	offset 6  header length, uint16 big-endian
//	offset 8  header (HCL text)
//	...       section bytes
//
// The header names the entry symbol the host must resolve and carries the
// module's self-reported metadata:
//
//	entry = "speed_governor/v1"
//
//	module {
//	  name     = "speed_governor"
//	  version  = "1.1.0"
//	  settings = { default_limit = "40" }
//	}
//
// Every image sharing ABIVersion is produced by the same build pipeline as
// the host; the codec validates structure, not provenance. Provenance is
// the update manager's job.
package image

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/vk/modhost/internal/modapi"
)

// ABIVersion is the single module ABI this host loads.
const ABIVersion uint16 = 1

// PreludeSize is the byte length of the fixed prelude before the header.
const PreludeSize = 8

// MinSize is the smallest byte length any plausible image can have: the
// prelude plus a header that at least names an entry symbol.
const MinSize = PreludeSize + len(`entry = ""`)

var magic = [4]byte{'M', 'O', 'D', 'B'}

var (
	// ErrMalformed reports an image that fails a structural check: too
	// short, wrong magic, truncated header, or an unparsable header body.
	ErrMalformed = errors.New("image: malformed module image")

	// ErrABIMismatch reports an image built against a different ABI
	// version than this host understands.
	ErrABIMismatch = errors.New("image: module ABI version mismatch")
)

// Image is a decoded module image.
type Image struct {
	// Entry is the symbol of the entry routine the host must resolve.
	Entry string

	// Meta is the module's self-reported metadata.
	Meta modapi.Meta

	// Data is the image's section bytes, owned by the caller.
	Data []byte
}

// header mirrors the HCL header body for decoding.
type header struct {
	Entry  string     `hcl:"entry"`
	Module headerMeta `hcl:"module,block"`
}

type headerMeta struct {
	Name     string            `hcl:"name"`
	Version  string            `hcl:"version"`
	Settings map[string]string `hcl:"settings,optional"`
}

// Parse decodes raw image bytes. It returns ErrMalformed or ErrABIMismatch
// (possibly wrapped) on any structural problem.
func Parse(raw []byte) (*Image, error) {
	if len(raw) < MinSize {
		return nil, fmt.Errorf("%w: %d bytes is below minimum image size", ErrMalformed, len(raw))
	}
	if [4]byte(raw[:4]) != magic {
		return nil, fmt.Errorf("%w: bad magic", ErrMalformed)
	}
	abi := binary.BigEndian.Uint16(raw[4:6])
	if abi != ABIVersion {
		return nil, fmt.Errorf("%w: image ABI %d, host ABI %d", ErrABIMismatch, abi, ABIVersion)
	}
	headerLen := int(binary.BigEndian.Uint16(raw[6:8]))
	if PreludeSize+headerLen > len(raw) {
		return nil, fmt.Errorf("%w: header length %d exceeds image", ErrMalformed, headerLen)
	}

	var hdr header
	if err := decodeHeader(raw[PreludeSize:PreludeSize+headerLen], &hdr); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformed, err)
	}
	if hdr.Entry == "" {
		return nil, fmt.Errorf("%w: header declares no entry symbol", ErrMalformed)
	}

	return &Image{
		Entry: hdr.Entry,
		Meta: modapi.Meta{
			Name:     hdr.Module.Name,
			Version:  hdr.Module.Version,
			Settings: hdr.Module.Settings,
		},
		Data: raw[PreludeSize+headerLen:],
	}, nil
}

func decodeHeader(src []byte, hdr *header) error {
	file, diags := hclsyntax.ParseConfig(src, "module-header.hcl", hcl.InitialPos)
	if diags.HasErrors() {
		return diags
	}
	if diags := gohcl.DecodeBody(file.Body, nil, hdr); diags.HasErrors() {
		return diags
	}
	return nil
}
