// ABOUTME: Plugin slot file describing which plugins the host loads and with which props.
// ABOUTME: Decodes [[slot]] tables from TOML and falls back to the built-in sample slot.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/2389/plughost/plugins/core"
)

// SampleRemotePath is where the serve command publishes the sample remote.
const SampleRemotePath = "/remotes/sampleWidget"

// SlotFile is the decoded plugin slot file.
type SlotFile struct {
	Slots []Slot `toml:"slot"`
}

// Slot is one configured plugin with its default props.
type Slot struct {
	Name   string `toml:"name"`
	URL    string `toml:"url"`
	Module string `toml:"module"`
	Type   string `toml:"type"`

	Props SlotProps `toml:"props"`
}

// SlotProps are the static parts of PluginProps a slot supplies.
type SlotProps struct {
	ID          string             `toml:"id"`
	DisplayName string             `toml:"display_name"`
	Screen      core.ScreenContext `toml:"screen"`
	Context     core.PluginContext `toml:"context"`
	Settings    map[string]string  `toml:"settings"`
	Images      []SlotImage        `toml:"images"`
	Selected    string             `toml:"selected"`
	Additional  map[string]any     `toml:"additional"`
}

// SlotImage is an image reference in the slot file.
type SlotImage struct {
	ID       string `toml:"id"`
	FileName string `toml:"file_name"`
}

// Descriptor returns the slot's load descriptor.
func (s Slot) Descriptor() core.PluginDescriptor {
	return core.PluginDescriptor{
		URL:    s.URL,
		Name:   s.Name,
		Module: s.Module,
		Type:   core.PluginType(s.Type),
	}
}

// PluginProps returns the slot's props without callbacks; the host adds those.
func (s Slot) PluginProps() core.PluginProps {
	p := core.PluginProps{
		ID:       s.Props.ID,
		Name:     s.Props.DisplayName,
		Screen:   s.Props.Screen,
		Context:  s.Props.Context,
		Settings: core.PluginSettings{},
	}
	if p.ID == "" {
		p.ID = s.Name
	}
	if p.Name == "" {
		p.Name = s.Name
	}
	if p.Screen.View == "" {
		p.Screen.View = core.ViewMedicalImages
	}
	for k, v := range s.Props.Settings {
		p.Settings[k] = v
	}
	p.Imaging.Images = make([]core.Image, 0, len(s.Props.Images))
	for _, img := range s.Props.Images {
		p.Imaging.Images = append(p.Imaging.Images, core.Image{ID: img.ID, FileName: img.FileName})
		if img.ID == s.Props.Selected {
			selected := core.Image{ID: img.ID, FileName: img.FileName}
			p.Imaging.SelectedImage = &selected
		}
	}
	if len(s.Props.Additional) > 0 {
		p.AdditionalProps = make(map[string]any, len(s.Props.Additional))
		for k, v := range s.Props.Additional {
			p.AdditionalProps[k] = v
		}
	}
	return p
}

// Validate checks the descriptor and that the context environment is known.
func (s Slot) Validate() error {
	if err := s.Descriptor().Validate(); err != nil {
		return err
	}
	if !s.Props.Context.Environment.Valid() {
		return fmt.Errorf("slot %q: unknown environment %q", s.Name, s.Props.Context.Environment)
	}
	if s.Props.Selected != "" && !s.hasImage(s.Props.Selected) {
		return fmt.Errorf("slot %q: selected image %q is not in images", s.Name, s.Props.Selected)
	}
	return nil
}

func (s Slot) hasImage(id string) bool {
	for _, img := range s.Props.Images {
		if img.ID == id {
			return true
		}
	}
	return false
}

// LoadSlots decodes path. A missing file yields ok=false and no error so the caller can
// fall back to DefaultSlots.
func LoadSlots(path string) (slots []Slot, ok bool, err error) {
	var f SlotFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("decode slot file %s: %w", path, err)
	}
	if err := validateSlots(f.Slots); err != nil {
		return nil, false, err
	}
	return f.Slots, true, nil
}

// DecodeSlots parses slot TOML from a string.
func DecodeSlots(data string) ([]Slot, error) {
	var f SlotFile
	if _, err := toml.Decode(data, &f); err != nil {
		return nil, fmt.Errorf("decode slots: %w", err)
	}
	if err := validateSlots(f.Slots); err != nil {
		return nil, err
	}
	return f.Slots, nil
}

func validateSlots(slots []Slot) error {
	seen := map[string]bool{}
	for _, s := range slots {
		if err := s.Validate(); err != nil {
			return err
		}
		if seen[s.Name] {
			return fmt.Errorf("slot %q is configured twice", s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

// DefaultSlots returns the built-in sample slot, loading the native sample widget from the
// remote published under base (for example http://localhost:3001). apiURL is the backend the
// widget fetches images from.
func DefaultSlots(base, apiURL string) []Slot {
	sample := core.SampleProps()

	images := make([]SlotImage, 0, len(sample.Imaging.Images))
	for _, img := range sample.Imaging.Images {
		images = append(images, SlotImage{ID: img.ID, FileName: img.FileName})
	}
	settings := map[string]string{"apiUrl": apiURL}
	for k, v := range sample.Settings {
		settings[k] = v
	}

	return []Slot{{
		Name:   "sampleWidget",
		URL:    strings.TrimRight(base, "/") + SampleRemotePath + "/remoteEntry.json",
		Module: "./Component",
		Type:   string(core.TypeNative),
		Props: SlotProps{
			ID:          sample.ID,
			DisplayName: sample.Name,
			Screen:      sample.Screen,
			Context:     sample.Context,
			Settings:    settings,
			Images:      images,
			Additional:  sample.AdditionalProps,
		},
	}}
}

// WriteSlots encodes slots as a slot file at path.
func WriteSlots(path string, slots []Slot) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create slot file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(SlotFile{Slots: slots}); err != nil {
		return fmt.Errorf("encode slot file: %w", err)
	}
	return nil
}
