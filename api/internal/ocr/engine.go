package ocr

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Engine is a remote recognition provider. Implementations own credentials and
// per-call timeouts and return *EngineError on failure. A provider error code
// inside a decoded payload is left on the payload's Status.
type Engine interface {
	Name() string
	GeneralText(ctx context.Context, image []byte, opt GeneralOptions) (RawGeneral, error)
	LicensePlate(ctx context.Context, image []byte) (RawPlate, error)
	VATInvoice(ctx context.Context, image []byte) (RawInvoice, error)
	Receipt(ctx context.Context, image []byte) (RawInvoice, error)
}

// Engines is the set of configured providers with a default.
type Engines struct {
	def string
	m   map[string]Engine
}

func NewEngines(defaultName string, engines ...Engine) (*Engines, error) {
	e := &Engines{def: strings.ToLower(defaultName), m: make(map[string]Engine, len(engines))}
	for _, eng := range engines {
		if eng == nil {
			continue
		}
		e.m[strings.ToLower(eng.Name())] = eng
	}
	if _, ok := e.m[e.def]; !ok {
		return nil, fmt.Errorf("default engine %q is not configured", defaultName)
	}
	return e, nil
}

// GetEngine resolves name, falling back to the default engine when name is empty.
func (e *Engines) GetEngine(name string) (Engine, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = e.def
	}
	if eng, ok := e.m[name]; ok {
		return eng, nil
	}
	return nil, fmt.Errorf("unknown engine %q; use one of %s", name, strings.Join(e.Names(), ", "))
}

func (e *Engines) Default() string { return e.def }

func (e *Engines) Names() []string {
	out := make([]string, 0, len(e.m))
	for n := range e.m {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
