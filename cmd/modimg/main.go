// Command modimg packs a module image: it wraps an entry symbol, module
// metadata, and an optional payload file into the binary image format the
// host loads. With -inspect it decodes an existing image instead.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/afero"
	"github.com/vk/modhost/internal/image"
	"github.com/vk/modhost/internal/modapi"
)

func main() {
	if err := run(os.Stdout, os.Args[1:], afero.NewOsFs()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(outW io.Writer, args []string, fs afero.Fs) error {
	flagSet := flag.NewFlagSet("modimg", flag.ContinueOnError)
	flagSet.SetOutput(outW)

	entry := flagSet.String("entry", "", "Entry symbol the image resolves to, e.g. 'speed_governor/v1'.")
	name := flagSet.String("name", "", "Module name reported by the image.")
	version := flagSet.String("version", "", "Module version reported by the image.")
	payload := flagSet.String("payload", "", "Optional payload file appended after the header.")
	out := flagSet.String("out", "", "Output image path.")
	inspect := flagSet.String("inspect", "", "Decode and describe an existing image instead of packing.")
	var settings settingsFlag
	flagSet.Var(&settings, "setting", "Module setting as key=value. May be repeated.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil
		}
		return err
	}

	if *inspect != "" {
		return describe(outW, fs, *inspect)
	}

	if *entry == "" || *name == "" || *version == "" || *out == "" {
		flagSet.Usage()
		return fmt.Errorf("modimg: -entry, -name, -version and -out are required")
	}

	var data []byte
	if *payload != "" {
		var err error
		data, err = afero.ReadFile(fs, *payload)
		if err != nil {
			return fmt.Errorf("modimg: read payload: %w", err)
		}
	}

	meta := modapi.Meta{Name: *name, Version: *version, Settings: settings.values}
	raw, err := image.Encode(*entry, meta, data)
	if err != nil {
		return err
	}
	if err := afero.WriteFile(fs, *out, raw, 0o644); err != nil {
		return fmt.Errorf("modimg: write %s: %w", *out, err)
	}
	fmt.Fprintf(outW, "packed %s (%d bytes)\n", *out, len(raw))
	return nil
}

func describe(outW io.Writer, fs afero.Fs, path string) error {
	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		return fmt.Errorf("modimg: read %s: %w", path, err)
	}
	img, err := image.Parse(raw)
	if err != nil {
		return err
	}
	fmt.Fprintf(outW, "entry:    %s\n", img.Entry)
	fmt.Fprintf(outW, "name:     %s\n", img.Meta.Name)
	fmt.Fprintf(outW, "version:  %s\n", img.Meta.Version)
	fmt.Fprintf(outW, "payload:  %d bytes\n", len(img.Data))
	for _, key := range image.SettingsKeys(img.Meta) {
		fmt.Fprintf(outW, "setting:  %s = %s\n", key, img.Meta.Settings[key])
	}
	return nil
}

// settingsFlag collects repeated -setting key=value flags.
type settingsFlag struct {
	values map[string]string
}

func (s *settingsFlag) String() string {
	return fmt.Sprintf("%v", s.values)
}

func (s *settingsFlag) Set(raw string) error {
	k, v, ok := strings.Cut(raw, "=")
	if !ok || k == "" {
		return fmt.Errorf("setting must be key=value, got %q", raw)
	}
	if s.values == nil {
		s.values = map[string]string{}
	}
	s.values[k] = v
	return nil
}
