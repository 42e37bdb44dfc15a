// ABOUTME: HTTP loader for remote plugin entries.
// ABOUTME: Reads the remote entry JSON, then resolves native factories or fetches bridged Lua sources.

package federation

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"

	"github.com/2389/plughost/plugins/core"
	"github.com/2389/plughost/plugins/lua"
)

// MaxEntrySize caps how much of a remote entry or source file is read.
const MaxEntrySize = 1 << 20

// Loader implements core.Loader over HTTP.
type Loader struct {
	client *http.Client
}

// NewLoader creates a loader. A nil client gets a 10 second timeout.
func NewLoader(client *http.Client) *Loader {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Loader{client: client}
}

// Load fetches d.URL and instantiates the exposed module.
func (l *Loader) Load(ctx context.Context, d core.PluginDescriptor, module string) (core.Export, error) {
	entry, err := l.fetch(ctx, d.URL)
	if err != nil {
		return core.Export{}, fmt.Errorf("fetch remote entry: %w", err)
	}
	if !gjson.ValidBytes(entry) {
		return core.Export{}, fmt.Errorf("remote entry %s is not valid JSON", d.URL)
	}

	if remote := gjson.GetBytes(entry, "name").String(); remote != "" && remote != d.Name {
		log.Printf("federation: remote at %s calls itself %q, registered as %q", d.URL, remote, d.Name)
	}

	exposed := lookupModule(gjson.GetBytes(entry, "exposes"), module)
	if !exposed.Exists() {
		return core.Export{}, fmt.Errorf("module %q is not exposed by %s", module, d.URL)
	}

	exp := core.Export{Name: d.Name, Module: module, Type: core.PluginType(exposed.Get("type").String())}

	switch exp.Type {
	case core.TypeNative:
		key := exposed.Get("factory").String()
		factory, ok := core.Native(key)
		if !ok {
			return core.Export{}, fmt.Errorf("native factory %q is not compiled into this host", key)
		}
		exp.Component = factory

	case core.TypeBridged:
		source := exposed.Get("source").String()
		if source == "" {
			return core.Export{}, fmt.Errorf("bridged module %q has no source", module)
		}
		src, err := resolveRelative(d.URL, source)
		if err != nil {
			return core.Export{}, err
		}
		body, err := l.fetch(ctx, src)
		if err != nil {
			return core.Export{}, fmt.Errorf("fetch bridged source: %w", err)
		}
		factory, err := lua.Factory(d.Name, string(body))
		if err != nil {
			return core.Export{}, err
		}
		exp.Element = factory

	default:
		return core.Export{}, fmt.Errorf("module %q has unknown type %q", module, exp.Type)
	}

	return exp, nil
}

// lookupModule finds module among the exposes keys. Keys like "./Component" contain
// dots, so they are matched by iteration rather than by path.
func lookupModule(exposes gjson.Result, module string) gjson.Result {
	var found gjson.Result
	exposes.ForEach(func(key, value gjson.Result) bool {
		if key.String() == module {
			found = value
			return false
		}
		return true
	})
	return found
}

func resolveRelative(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse remote entry url: %w", err)
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse source url: %w", err)
	}
	return b.ResolveReference(r).String(), nil
}

func (l *Loader) fetch(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", target, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, MaxEntrySize))
}
