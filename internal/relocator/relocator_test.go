// ABOUTME: Tests for the instance relocator.
// ABOUTME: Covers placement, fallback, modal exclusivity, parking and identity across transitions.

package relocator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/2389/plughost/internal/dom"
	"github.com/2389/plughost/plugins/core"
	"github.com/2389/plughost/plugins/samplewidget"
)

// counter is a component with internal state that must survive relocation.
type counter struct {
	mu        sync.Mutex
	mounts    int
	unmounts  int
	updates   int
	mountedIn *dom.Node
}

func (c *counter) Mount(container *dom.Node) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mounts++
	c.mountedIn = container
	return nil
}

func (c *counter) Update(core.PluginProps) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates++
}

func (c *counter) Unmount() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unmounts++
}

type panel struct {
	node      *dom.Node
	collapsed bool
}

func (p *panel) target() *dom.Node {
	if p.collapsed {
		return nil
	}
	return p.node
}

func setup(t *testing.T) (*Relocator, *panel) {
	t.Helper()
	doc := dom.NewDocument()
	p := &panel{node: doc.CreateElement("right-panel")}
	require.NoError(t, doc.AppendChild(doc.Body(), p.node))
	return New(doc, nil), p
}

func TestAcquirePlacesContainerInDockedTarget(t *testing.T) {
	r, p := setup(t)

	h := r.Acquire("sampleWidget", p.target)
	assert.Equal(t, p.node, h.Container().Parent())
	assert.Equal(t, Docked, h.Mode())
	assert.Equal(t, StatePending, h.State())

	again := r.Acquire("sampleWidget", nil)
	assert.Same(t, h, again, "one handle per plugin name")
	assert.Equal(t, []string{"sampleWidget"}, r.Names())
}

func TestAttachMountsOnce(t *testing.T) {
	r, p := setup(t)
	r.Acquire("sampleWidget", p.target)

	c := &counter{}
	require.NoError(t, r.Attach("sampleWidget", c))
	assert.ErrorIs(t, r.Attach("sampleWidget", &counter{}), ErrAlreadyAttached)

	h, _ := r.Handle("sampleWidget")
	assert.Equal(t, StateReady, h.State())
	assert.Equal(t, 1, c.mounts)
	assert.Equal(t, h.Container(), c.mountedIn)
}

func TestOpenCloseReparentsWithoutRemount(t *testing.T) {
	r, p := setup(t)
	h := r.Acquire("sampleWidget", p.target)
	c := &counter{}
	require.NoError(t, r.Attach("sampleWidget", c))

	require.NoError(t, r.Open("sampleWidget"))
	assert.Equal(t, r.Overlay(), h.Container().Parent())
	assert.Equal(t, Fullscreen, h.Mode())
	assert.Equal(t, "sampleWidget", r.Fullscreen())

	require.NoError(t, r.Close("sampleWidget"))
	assert.Equal(t, p.node, h.Container().Parent())
	assert.Equal(t, "", r.Fullscreen())

	assert.Equal(t, 1, c.mounts)
	assert.Equal(t, 0, c.unmounts)
}

func TestCollapsedPanelFallsBackToRoot(t *testing.T) {
	r, p := setup(t)
	p.collapsed = true

	h := r.Acquire("sampleWidget", p.target)
	assert.Equal(t, r.Root(), h.Container().Parent())

	p.collapsed = false
	require.NoError(t, r.Relocate("sampleWidget"))
	assert.Equal(t, p.node, h.Container().Parent())
}

func TestDetachedTargetFallsBackToRoot(t *testing.T) {
	r, _ := setup(t)
	orphan := r.doc.CreateElement("detached-panel")

	h := r.Acquire("sampleWidget", func() *dom.Node { return orphan })
	assert.Equal(t, r.Root(), h.Container().Parent())
}

func TestModalExclusivity(t *testing.T) {
	r, p := setup(t)
	a := r.Acquire("a", p.target)
	b := r.Acquire("b", p.target)

	require.NoError(t, r.Open("a"))
	require.NoError(t, r.Open("b"))

	assert.Equal(t, Docked, a.Mode())
	assert.Equal(t, p.node, a.Container().Parent())
	assert.Equal(t, Fullscreen, b.Mode())
	assert.Equal(t, r.Overlay(), b.Container().Parent())
	assert.Equal(t, "b", r.Fullscreen())
}

func TestParkKeepsComponentAlive(t *testing.T) {
	r, p := setup(t)
	h := r.Acquire("sampleWidget", p.target)
	c := &counter{}
	require.NoError(t, r.Attach("sampleWidget", c))
	require.NoError(t, r.Open("sampleWidget"))

	require.NoError(t, r.Park("sampleWidget"))
	assert.Equal(t, r.Root(), h.Container().Parent())
	assert.Equal(t, Docked, h.Mode())
	assert.Equal(t, "", r.Fullscreen())
	assert.Equal(t, 0, c.unmounts)

	// Remounting the view hands the same instance a new docked target.
	again := r.Acquire("sampleWidget", p.target)
	assert.Same(t, h, again)
	assert.Equal(t, p.node, h.Container().Parent())
	assert.Equal(t, 1, c.mounts)
}

func TestReleaseUnmountsAndRemoves(t *testing.T) {
	r, p := setup(t)
	h := r.Acquire("sampleWidget", p.target)
	c := &counter{}
	require.NoError(t, r.Attach("sampleWidget", c))

	require.NoError(t, r.Release("sampleWidget"))
	assert.Equal(t, 1, c.unmounts)
	assert.Nil(t, h.Container().Parent())
	_, ok := r.Handle("sampleWidget")
	assert.False(t, ok)

	assert.ErrorIs(t, r.Open("sampleWidget"), ErrUnknownHandle)
	assert.ErrorIs(t, r.Release("sampleWidget"), ErrUnknownHandle)
}

func TestFailAndReset(t *testing.T) {
	r, p := setup(t)
	h := r.Acquire("sampleWidget", p.target)

	r.Fail("sampleWidget", errors.New("remote down"))
	assert.Equal(t, StateError, h.State())
	assert.EqualError(t, h.Err(), "remote down")
	assert.Equal(t, p.node, h.Container().Parent(), "a failed handle still has a parent")

	require.NoError(t, r.Reset("sampleWidget"))
	assert.Equal(t, StatePending, h.State())
	assert.NoError(t, h.Err())
}

type failingMount struct{ counter }

func (f *failingMount) Mount(*dom.Node) error { return errors.New("bad mount") }

func TestAttachMountFailure(t *testing.T) {
	r, p := setup(t)
	h := r.Acquire("sampleWidget", p.target)

	err := r.Attach("sampleWidget", &failingMount{})
	require.Error(t, err)
	assert.Equal(t, StateError, h.State())
	assert.Nil(t, h.Component())
}

func TestNoMoveWhenAlreadyInPlace(t *testing.T) {
	r, p := setup(t)
	r.Acquire("sampleWidget", p.target)
	before := r.Moves()

	require.NoError(t, r.Close("sampleWidget"))
	require.NoError(t, r.Relocate("sampleWidget"))
	assert.Equal(t, before, r.Moves())
}

// TestTransitionsPreserveIdentity drives random sequences of display changes and
// checks the container always has exactly one live parent and the component is never remounted.
func TestTransitionsPreserveIdentity(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		doc := dom.NewDocument()
		p := &panel{node: doc.CreateElement("right-panel")}
		if err := doc.AppendChild(doc.Body(), p.node); err != nil {
			rt.Fatalf("append panel: %v", err)
		}
		r := New(doc, nil)

		names := []string{"a", "b"}
		comps := map[string]*counter{}
		handles := map[string]*Handle{}
		for _, n := range names {
			handles[n] = r.Acquire(n, p.target)
			comps[n] = &counter{}
			if err := r.Attach(n, comps[n]); err != nil {
				rt.Fatalf("Attach(%s): %v", n, err)
			}
		}

		steps := rapid.IntRange(1, 60).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			name := rapid.SampledFrom(names).Draw(rt, "name")
			switch rapid.IntRange(0, 5).Draw(rt, "op") {
			case 0:
				r.Open(name)
			case 1:
				r.Close(name)
			case 2:
				p.collapsed = !p.collapsed
				r.RelocateAll()
			case 3:
				r.Park(name)
			case 4:
				r.Acquire(name, p.target)
			case 5:
				comps[name].Update(core.PluginProps{})
			}

			for _, n := range names {
				h := handles[n]
				parent := h.Container().Parent()
				if parent == nil || !h.Container().Connected() {
					rt.Fatalf("step %d: %s container detached", i, n)
				}
				want := r.Root()
				if h.Mode() == Fullscreen {
					want = r.Overlay()
				} else if h.docked != nil && !p.collapsed {
					want = p.node
				}
				if parent != want {
					rt.Fatalf("step %d: %s parent = %s, want %s", i, n, parent.Tag(), want.Tag())
				}
			}
			fs := 0
			for _, n := range names {
				if handles[n].Mode() == Fullscreen {
					fs++
				}
			}
			if fs > 1 {
				rt.Fatalf("step %d: %d plugins fullscreen at once", i, fs)
			}
		}

		for _, n := range names {
			if c := comps[n]; c.mounts != 1 || c.unmounts != 0 {
				rt.Fatalf("%s mounts=%d unmounts=%d, want 1 and 0", n, c.mounts, c.unmounts)
			}
			if got := handles[n].Component(); got != core.Component(comps[n]) {
				rt.Fatalf("%s component identity changed", n)
			}
		}
	})
}

func TestConcurrentRelocationsKeepOneParent(t *testing.T) {
	r, p := setup(t)
	h := r.Acquire("sampleWidget", p.target)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Open("sampleWidget")
		}()
		go func() {
			defer wg.Done()
			r.Close("sampleWidget")
		}()
	}
	wg.Wait()

	parent := h.Container().Parent()
	require.NotNil(t, parent)
	inPanel := len(p.node.Children())
	inOverlay := len(r.Overlay().Children())
	assert.Equal(t, 1, inPanel+inOverlay, "container lives in exactly one place")
}

func TestFetchInFlightSurvivesRelocation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		<-release
		w.Write([]byte(`{"success":true,"data":{"id":"img"}}`))
	}))
	defer srv.Close()

	r, p := setup(t)
	h := r.Acquire("sampleWidget", p.target)
	w := samplewidget.New(srv.Client())
	require.NoError(t, r.Attach("sampleWidget", w))

	props := core.SampleProps()
	props.Settings["apiUrl"] = srv.URL
	props.Imaging.SelectedImage = &props.Imaging.Images[0]
	props.OnRequestToken = func(ctx context.Context, d core.TokenRequestDetail) (core.TokenRequestResponse, error) {
		return core.TokenRequestResponse{Detail: d, Token: "t"}, nil
	}
	w.Update(props)

	done := make(chan []samplewidget.Result, 1)
	go func() {
		results, err := w.Analyze(context.Background())
		if err != nil {
			t.Errorf("Analyze() error = %v", err)
		}
		done <- results
	}()

	require.NoError(t, r.Open("sampleWidget"))
	require.NoError(t, r.Close("sampleWidget"))
	require.NoError(t, r.Open("sampleWidget"))
	close(release)

	results := <-done
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)

	assert.Equal(t, 1, w.Mounts())
	assert.Len(t, w.Results(), 1, "result landed on the live instance")
	assert.Equal(t, r.Overlay(), h.Container().Parent())
	view := h.Container().Children()[0]
	assert.Contains(t, view.Text(), "Analysis: 1/1 images fetched")
}
