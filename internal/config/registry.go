package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/dialtone/pkg/provider/llm"
	"github.com/MrWong99/dialtone/pkg/provider/stt"
	"github.com/MrWong99/dialtone/pkg/provider/tts"
	"github.com/MrWong99/dialtone/pkg/provider/vad"
)

// ErrProviderNotRegistered means a config names a provider no factory was
// registered for.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds a provider from its config entry.
type Factory[T any] func(ProviderEntry) (T, error)

// factories is the name → constructor table of one provider kind.
type factories[T any] struct {
	kind string
	mu   sync.RWMutex
	m    map[string]Factory[T]
}

func newFactories[T any](kind string) *factories[T] {
	return &factories[T]{kind: kind, m: make(map[string]Factory[T])}
}

func (f *factories[T]) register(name string, fn Factory[T]) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.m[name] = fn
}

func (f *factories[T]) has(name string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.m[name]
	return ok
}

func (f *factories[T]) create(e ProviderEntry) (T, error) {
	f.mu.RLock()
	fn, ok := f.m[e.Name]
	f.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s %q", ErrProviderNotRegistered, f.kind, e.Name)
	}
	return fn(e)
}

func (f *factories[T]) names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.m))
	for k := range f.m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// missing lists entries of kind whose names have no factory.
func (f *factories[T]) missing(entries ...ProviderEntry) []error {
	var errs []error
	for _, e := range entries {
		if e.Name != "" && !f.has(e.Name) {
			errs = append(errs, fmt.Errorf("%w: %s %q (known: %v)", ErrProviderNotRegistered, f.kind, e.Name, f.names()))
		}
	}
	return errs
}

// Registry maps provider names to constructors for every stage. It is safe
// for concurrent use. Registering a name twice replaces the first factory.
type Registry struct {
	llm *factories[llm.Provider]
	stt *factories[stt.Provider]
	tts *factories[tts.Provider]
	vad *factories[vad.Engine]
}

func NewRegistry() *Registry {
	return &Registry{
		llm: newFactories[llm.Provider]("llm"),
		stt: newFactories[stt.Provider]("stt"),
		tts: newFactories[tts.Provider]("tts"),
		vad: newFactories[vad.Engine]("vad"),
	}
}

func (r *Registry) RegisterLLM(name string, fn Factory[llm.Provider]) { r.llm.register(name, fn) }
func (r *Registry) RegisterSTT(name string, fn Factory[stt.Provider]) { r.stt.register(name, fn) }
func (r *Registry) RegisterTTS(name string, fn Factory[tts.Provider]) { r.tts.register(name, fn) }
func (r *Registry) RegisterVAD(name string, fn Factory[vad.Engine])   { r.vad.register(name, fn) }

// CreateLLM builds the LLM provider named by e. Unknown names wrap
// [ErrProviderNotRegistered].
func (r *Registry) CreateLLM(e ProviderEntry) (llm.Provider, error) { return r.llm.create(e) }
func (r *Registry) CreateSTT(e ProviderEntry) (stt.Provider, error) { return r.stt.create(e) }
func (r *Registry) CreateTTS(e ProviderEntry) (tts.Provider, error) { return r.tts.create(e) }
func (r *Registry) CreateVAD(e ProviderEntry) (vad.Engine, error)   { return r.vad.create(e) }

// Names returns the registered names per kind, sorted.
func (r *Registry) Names() map[string][]string {
	return map[string][]string{
		"llm": r.llm.names(),
		"stt": r.stt.names(),
		"tts": r.tts.names(),
		"vad": r.vad.names(),
	}
}

// Check reports every provider in cfg, primaries and fallbacks alike, that
// has no registered factory. It constructs nothing, so a typo in the last
// fallback fails startup before any provider dials out.
func (r *Registry) Check(cfg *Config) error {
	p := cfg.Providers
	var errs []error
	errs = append(errs, r.llm.missing(p.LLM.Entries()...)...)
	errs = append(errs, r.stt.missing(p.STT.Entries()...)...)
	errs = append(errs, r.tts.missing(p.TTS.Entries()...)...)
	errs = append(errs, r.vad.missing(p.VAD)...)
	return errors.Join(errs...)
}
