// ABOUTME: Sample medical imaging widget compiled into the host as a native plugin.
// ABOUTME: Shows its props, toggles fullscreen and fetches images through the token flow.

package samplewidget

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/2389/plughost/internal/dom"
	"github.com/2389/plughost/plugins/core"
)

// FactoryKey is the native catalog key remote entries use for this widget.
const FactoryKey = "sampleWidget"

// DefaultAPIURL is used when the apiUrl setting is absent.
const DefaultAPIURL = "http://localhost:3001"

// ErrNoTokenRequester is returned by Analyze when the host supplied no token callback.
var ErrNoTokenRequester = errors.New("sample widget: no token requester")

func init() {
	core.RegisterNative(FactoryKey, func() (core.Component, error) {
		return New(nil), nil
	})
}

// Result is the outcome of fetching one image.
type Result struct {
	ImageID string
	Data    gjson.Result
	Err     error
}

// Widget is the native sample plugin.
type Widget struct {
	client *http.Client

	mu        sync.Mutex
	container *dom.Node
	view      *dom.Node
	props     core.PluginProps
	mounts    int
	renders   int
	results   []Result
}

// New creates a widget. A nil client gets a 10 second timeout.
func New(client *http.Client) *Widget {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Widget{client: client}
}

// Mount builds the widget's view inside container.
func (w *Widget) Mount(container *dom.Node) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.container != nil {
		return fmt.Errorf("sample widget already mounted")
	}
	w.container = container
	w.mounts++

	doc := container.Document()
	w.view = doc.CreateElement("div")
	w.view.SetAttr("class", "plugin-container")
	if err := doc.AppendChild(container, w.view); err != nil {
		return err
	}
	w.renderLocked()
	return nil
}

// Update stores the latest props and re-renders.
func (w *Widget) Update(props core.PluginProps) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.props = props
	w.renderLocked()
}

// Unmount removes the view.
func (w *Widget) Unmount() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.view != nil {
		w.view.Document().Remove(w.view)
	}
	w.view = nil
	w.container = nil
}

// Mounts returns how many times the widget has been mounted.
func (w *Widget) Mounts() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mounts
}

// Renders returns how many times the widget has rendered.
func (w *Widget) Renders() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.renders
}

// Results returns the outcome of the last Analyze.
func (w *Widget) Results() []Result {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Result(nil), w.results...)
}

// OpenModal asks the host to show the widget fullscreen.
func (w *Widget) OpenModal() {
	w.mu.Lock()
	props := w.props
	w.mu.Unlock()
	if props.OnOpenModal != nil {
		props.OnOpenModal(props.ModalEvent())
	}
}

// CloseModal asks the host to return the widget to its docked slot.
func (w *Widget) CloseModal() {
	w.mu.Lock()
	props := w.props
	w.mu.Unlock()
	if props.OnCloseModal != nil {
		props.OnCloseModal(props.ModalEvent())
	}
}

// Analyze requests a token for the selected image (or all images) and fetches each one.
// No image is fetched unless a token was issued. Each image succeeds or fails on its own.
func (w *Widget) Analyze(ctx context.Context) ([]Result, error) {
	w.mu.Lock()
	props := w.props
	w.mu.Unlock()

	if props.OnRequestToken == nil {
		return nil, ErrNoTokenRequester
	}

	ids := props.Imaging.SubjectIDs()
	resp, err := props.OnRequestToken(ctx, props.TokenRequest(core.SubjectMedicalImage, ids))
	if err != nil {
		return nil, fmt.Errorf("request token: %w", err)
	}

	apiURL := props.Settings["apiUrl"]
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}

	results := make([]Result, len(ids))
	var g errgroup.Group
	g.SetLimit(4)
	for i, id := range ids {
		g.Go(func() error {
			data, err := w.fetchImage(ctx, apiURL, resp.Token, id)
			results[i] = Result{ImageID: id, Data: data, Err: err}
			return nil
		})
	}
	g.Wait()

	w.mu.Lock()
	w.results = results
	w.renderLocked()
	w.mu.Unlock()
	return results, nil
}

func (w *Widget) fetchImage(ctx context.Context, apiURL, token, id string) (gjson.Result, error) {
	url := strings.TrimRight(apiURL, "/") + "/api/images/" + id
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return gjson.Result{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return gjson.Result{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return gjson.Result{}, fmt.Errorf("image %s: status %d", id, resp.StatusCode)
	}
	if !gjson.GetBytes(body, "success").Bool() {
		return gjson.Result{}, fmt.Errorf("image %s: response not successful", id)
	}
	return gjson.GetBytes(body, "data"), nil
}

func (w *Widget) renderLocked() {
	if w.view == nil {
		return
	}
	w.renders++
	p := w.props

	if p.IsModalOpen {
		w.view.SetAttr("style", "max-width: 100%; max-height: 100%")
	} else {
		style := fmt.Sprintf("max-width: %dpx", p.Screen.MaxWidth)
		if p.Screen.MaxHeight > 0 {
			style += fmt.Sprintf("; max-height: %dpx", p.Screen.MaxHeight)
		}
		w.view.SetAttr("style", style)
	}

	var b strings.Builder
	title := p.Name
	if title == "" {
		title = "Sample Medical Widget"
	}
	fmt.Fprintf(&b, "%s [%s]\n", title, p.Context.Environment)
	fmt.Fprintf(&b, "Plugin ID: %s\n", p.ID)
	fmt.Fprintf(&b, "Customer: %s, Site: %s, Staff: %s, View: %s\n",
		p.Context.CustomerID, p.Context.SiteID, p.Context.StaffID, p.Screen.View)

	if len(p.Imaging.Images) == 0 {
		b.WriteString("No images available\n")
	} else {
		fmt.Fprintf(&b, "Images (%d):", len(p.Imaging.Images))
		for _, img := range p.Imaging.Images {
			fmt.Fprintf(&b, " %s (%s)", img.ID, img.FileName)
		}
		b.WriteString("\n")
	}

	if len(p.Settings) > 0 {
		keys := make([]string, 0, len(p.Settings))
		for k := range p.Settings {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("Settings:")
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%s", k, p.Settings[k])
		}
		b.WriteString("\n")
	}

	modal := "Closed"
	if p.IsModalOpen {
		modal = "Open"
	}
	height := "auto"
	if p.Screen.MaxHeight > 0 {
		height = fmt.Sprint(p.Screen.MaxHeight)
	}
	fmt.Fprintf(&b, "Modal: %s | Images: %d | Max Size: %dx%spx", modal, len(p.Imaging.Images), p.Screen.MaxWidth, height)

	if len(w.results) > 0 {
		ok := 0
		for _, r := range w.results {
			if r.Err == nil {
				ok++
			}
		}
		fmt.Fprintf(&b, "\nAnalysis: %d/%d images fetched", ok, len(w.results))
	}

	w.view.SetText(b.String())
}
