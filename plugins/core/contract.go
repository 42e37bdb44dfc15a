// ABOUTME: Capability contract shared between the host and every plugin.
// ABOUTME: Defines PluginProps, the context/imaging payloads and the modal and token messages.

package core

import (
	"context"
	"encoding/json"
)

// Environment is the deployment environment a plugin runs in.
type Environment string

const (
	EnvironmentSandbox    Environment = "SANDBOX"
	EnvironmentUAT        Environment = "UAT"
	EnvironmentProduction Environment = "PRODUCTION"
)

// Valid reports whether e is one of the known environments.
func (e Environment) Valid() bool {
	switch e {
	case EnvironmentSandbox, EnvironmentUAT, EnvironmentProduction:
		return true
	}
	return false
}

// ViewMedicalImages is the only screen view currently defined.
const ViewMedicalImages = "MEDICAL_IMAGES"

// SubjectType names a class of data a plugin asks access to.
type SubjectType string

const (
	SubjectMedicalImage  SubjectType = "MEDICAL-IMAGE"
	SubjectPatient       SubjectType = "PATIENT"
	SubjectConfiguration SubjectType = "CONFIGURATION"
)

// PluginContext is supplied by the host once per session and passed through unchanged.
type PluginContext struct {
	Environment Environment `json:"environment" toml:"environment"`
	CustomerID  string      `json:"customerId" toml:"customer_id"`
	SiteID      string      `json:"siteId" toml:"site_id"`
	StaffID     string      `json:"staffId" toml:"staff_id"`
}

// ScreenContext describes where the plugin is rendered.
type ScreenContext struct {
	View      string `json:"view" toml:"view"`
	MaxWidth  int    `json:"maxWidth" toml:"max_width"`
	MaxHeight int    `json:"maxHeight,omitempty" toml:"max_height"`
}

// PluginSettings are plugin-specific key/value settings.
type PluginSettings map[string]string

// Image is a medical image reference.
type Image struct {
	ID       string `json:"id"`
	FileName string `json:"fileName"`
}

// ImagingProps carries the images available to the plugin.
type ImagingProps struct {
	Images        []Image `json:"images"`
	SelectedImage *Image  `json:"selectedImage"`
}

// SubjectIDs returns the selected image id if one is selected, otherwise every image id.
func (p ImagingProps) SubjectIDs() []string {
	if p.SelectedImage != nil {
		return []string{p.SelectedImage.ID}
	}
	ids := make([]string, 0, len(p.Images))
	for _, img := range p.Images {
		ids = append(ids, img.ID)
	}
	return ids
}

// ModalEventDetail is emitted by a plugin when it asks to open or close the fullscreen view.
type ModalEventDetail struct {
	PluginID   string        `json:"pluginId"`
	PluginName string        `json:"pluginName"`
	Context    PluginContext `json:"context"`
}

// TokenRequestDetail is a capability request naming the subjects a plugin wants to access.
type TokenRequestDetail struct {
	PluginID     string        `json:"pluginId"`
	PluginName   string        `json:"pluginName"`
	Context      PluginContext `json:"context"`
	SubjectTypes []SubjectType `json:"subjectTypes"`
	SubjectIDs   []string      `json:"subjectIds"`
}

// UnmarshalJSON accepts the singular "subjectType" field used by older plugins.
func (d *TokenRequestDetail) UnmarshalJSON(data []byte) error {
	type plain TokenRequestDetail
	aux := struct {
		plain
		SubjectType SubjectType `json:"subjectType"`
	}{plain: plain(*d)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*d = TokenRequestDetail(aux.plain)
	if len(d.SubjectTypes) == 0 && aux.SubjectType != "" {
		d.SubjectTypes = []SubjectType{aux.SubjectType}
	}
	return nil
}

// Clone returns a deep copy of the detail.
func (d TokenRequestDetail) Clone() TokenRequestDetail {
	out := d
	if d.SubjectTypes != nil {
		out.SubjectTypes = append(make([]SubjectType, 0, len(d.SubjectTypes)), d.SubjectTypes...)
	}
	if d.SubjectIDs != nil {
		out.SubjectIDs = append(make([]string, 0, len(d.SubjectIDs)), d.SubjectIDs...)
	}
	return out
}

// TokenRequestResponse echoes the request and carries an opaque bearer value.
type TokenRequestResponse struct {
	Detail TokenRequestDetail `json:"detail"`
	Token  string             `json:"token"`
}

// ModalHandler receives modal open/close events.
type ModalHandler func(detail ModalEventDetail)

// TokenRequester issues a token for a capability request. An error means no token was issued.
type TokenRequester func(ctx context.Context, detail TokenRequestDetail) (TokenRequestResponse, error)

// PluginProps is the uniform surface every plugin receives.
type PluginProps struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Screen   ScreenContext  `json:"screen"`
	Context  PluginContext  `json:"context"`
	Settings PluginSettings `json:"settings"`
	Imaging  ImagingProps   `json:"imaging"`

	IsModalOpen bool `json:"isModalOpen"`

	OnOpenModal    ModalHandler   `json:"-"`
	OnCloseModal   ModalHandler   `json:"-"`
	OnRequestToken TokenRequester `json:"-"`

	// AdditionalProps holds fields outside the core contract. Hosts pass them through untouched.
	AdditionalProps map[string]any `json:"additionalProps,omitempty"`
}

// Clone returns a copy whose maps and slices are not shared with p.
func (p PluginProps) Clone() PluginProps {
	out := p
	if p.Settings != nil {
		out.Settings = make(PluginSettings, len(p.Settings))
		for k, v := range p.Settings {
			out.Settings[k] = v
		}
	}
	if p.Imaging.Images != nil {
		out.Imaging.Images = append(make([]Image, 0, len(p.Imaging.Images)), p.Imaging.Images...)
	}
	if p.Imaging.SelectedImage != nil {
		img := *p.Imaging.SelectedImage
		out.Imaging.SelectedImage = &img
	}
	if p.AdditionalProps != nil {
		out.AdditionalProps = make(map[string]any, len(p.AdditionalProps))
		for k, v := range p.AdditionalProps {
			out.AdditionalProps[k] = v
		}
	}
	return out
}

// ModalEvent builds the modal event detail for these props.
func (p PluginProps) ModalEvent() ModalEventDetail {
	return ModalEventDetail{
		PluginID:   p.ID,
		PluginName: p.Name,
		Context:    p.Context,
	}
}

// TokenRequest builds a token request for the given subjects.
func (p PluginProps) TokenRequest(subjectType SubjectType, subjectIDs []string) TokenRequestDetail {
	return TokenRequestDetail{
		PluginID:     p.ID,
		PluginName:   p.Name,
		Context:      p.Context,
		SubjectTypes: []SubjectType{subjectType},
		SubjectIDs:   append([]string(nil), subjectIDs...),
	}
}

// SampleProps returns development props for the sample imaging widget.
func SampleProps() PluginProps {
	return PluginProps{
		ID:   "medical-imaging-widget-001",
		Name: "Medical Image Analysis Widget",
		Screen: ScreenContext{
			View:      ViewMedicalImages,
			MaxWidth:  400,
			MaxHeight: 600,
		},
		Context: PluginContext{
			Environment: EnvironmentSandbox,
			CustomerID:  "CUSTOMER_001",
			SiteID:      "SITE_MAIN",
			StaffID:     "STAFF_001",
		},
		Settings: PluginSettings{
			"analysis-endpoint": "https://api.example.com/v1/imaging/analyze",
		},
		Imaging: ImagingProps{
			Images: []Image{
				{ID: "95800790-5E70-4083-BE05-59B97583F5F4", FileName: "95800790-5E70-4083-BE05-59B97583F5F4.jpg"},
				{ID: "76538477-D664-4620-9BE2-40AD604CA8FC", FileName: "76538477-D664-4620-9BE2-40AD604CA8FC.jpg"},
				{ID: "43AC4C75-8EBD-4898-9513-75811300CFE7", FileName: "43AC4C75-8EBD-4898-9513-75811300CFE7.jpg"},
			},
		},
		AdditionalProps: map[string]any{
			"patientId": "3e87af32-a498-4174-9f59-9fa6865d4597",
		},
	}
}
