package messenger

import (
	"context"
	"fmt"
	"sync"

	"github.com/corey/mediabridge/internal/ports"
)

// ParserFactory constructs one backend parser. Registered under a parser
// class name and looked up by Class.ParserClassName.
type ParserFactory func(cfg ports.ParserConfig) (ports.Parser, error)

// NewParserFunc is handed to Class.CreateInstances. It runs the class's
// parser factory for the given configuration.
type NewParserFunc func(cfg ports.ParserConfig) (ports.Parser, error)

// Class is the per-class metadata of a messenger: which media type it serves,
// which parser to build, which worker service hosts it.
type Class struct {
	Identifier              string // stable across relaunches, unique per class
	MediaType               string
	ParserClassName         string
	WorkerServiceIdentifier string

	// CreateInstances overrides the default of one parser per descriptor.
	// base is the configuration the default instance would get; multi-library
	// backends derive one configuration per library from it. Runs in the worker.
	CreateInstances func(ctx context.Context, d Descriptor, base ports.ParserConfig, newParser NewParserFunc) ([]ports.Parser, error)

	// Hooks is an optional host-side capability value (MenuContributor,
	// ViewProvider, MetadataDescriber). Never sent to the worker.
	Hooks any
}

// Registry maps class identifiers and media types to classes and parser
// factories. It is append-only: classes cannot be removed once registered.
type Registry struct {
	mu        sync.RWMutex
	classes   []Class
	byID      map[string]int
	factories map[string]ParserFactory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:      make(map[string]int),
		factories: make(map[string]ParserFactory),
	}
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry that backends register with from
// their init functions.
func Default() *Registry {
	return defaultRegistry
}

// Register adds a class to the default registry.
func Register(c Class) {
	defaultRegistry.Register(c)
}

// RegisterParser adds a parser factory to the default registry.
func RegisterParser(name string, f ParserFactory) {
	defaultRegistry.RegisterParser(name, f)
}

// Register adds a class. It panics on a missing field or a duplicate
// identifier, like database/sql.Register: registration is a startup-time
// programming contract.
func (r *Registry) Register(c Class) {
	if c.Identifier == "" || c.MediaType == "" || c.ParserClassName == "" || c.WorkerServiceIdentifier == "" {
		panic(fmt.Sprintf("messenger: incomplete class registration %+v", c))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byID[c.Identifier]; dup {
		panic("messenger: Register called twice for class " + c.Identifier)
	}
	r.byID[c.Identifier] = len(r.classes)
	r.classes = append(r.classes, c)
}

// RegisterParser adds a parser factory under name. Panics on duplicates.
func (r *Registry) RegisterParser(name string, f ParserFactory) {
	if name == "" || f == nil {
		panic("messenger: RegisterParser requires a name and a factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.factories[name]; dup {
		panic("messenger: RegisterParser called twice for " + name)
	}
	r.factories[name] = f
}

// Class returns the class registered under identifier.
func (r *Registry) Class(identifier string) (Class, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.byID[identifier]
	if !ok {
		return Class{}, Errorf(ErrNotFound, "registry", "no messenger class %q", identifier)
	}
	return r.classes[i], nil
}

// ClassesForMediaType returns the classes whose media type equals mediaType
// exactly, in registration order.
func (r *Registry) ClassesForMediaType(mediaType string) []Class {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Class
	for _, c := range r.classes {
		if c.MediaType == mediaType {
			out = append(out, c)
		}
	}
	return out
}

// ServiceClasses returns the classes hosted by the given worker service.
func (r *Registry) ServiceClasses(serviceID string) []Class {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Class
	for _, c := range r.classes {
		if c.WorkerServiceIdentifier == serviceID {
			out = append(out, c)
		}
	}
	return out
}

// Classes returns every registered class in registration order.
func (r *Registry) Classes() []Class {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Class, len(r.classes))
	copy(out, r.classes)
	return out
}

// ClassFor resolves the class named by a descriptor and checks that the
// descriptor's media type matches it.
func (r *Registry) ClassFor(d Descriptor) (Class, error) {
	c, err := r.Class(d.Class)
	if err != nil {
		return Class{}, err
	}
	if c.MediaType != d.MediaType {
		return Class{}, Errorf(ErrNotFound, "registry", "class %q serves %q, not %q", c.Identifier, c.MediaType, d.MediaType)
	}
	return c, nil
}

// NewParser builds the default parser instance for d using the class's
// registered parser factory.
func (r *Registry) NewParser(c Class, d Descriptor) (ports.Parser, error) {
	return r.newParserFunc(c)(baseConfig(c, d))
}

func (r *Registry) newParserFunc(c Class) NewParserFunc {
	return func(cfg ports.ParserConfig) (ports.Parser, error) {
		r.mu.RLock()
		f, ok := r.factories[c.ParserClassName]
		r.mu.RUnlock()
		if !ok {
			return nil, Errorf(ErrNotFound, "new parser", "no parser class %q for %s", c.ParserClassName, c.Identifier)
		}
		p, err := f(cfg)
		if err != nil {
			return nil, classifyInstantiation(err, c.Identifier)
		}
		return p, nil
	}
}

// CreateParserInstances builds every backend instance for d. Classes with no
// CreateInstances override get exactly one.
func (r *Registry) CreateParserInstances(ctx context.Context, d Descriptor) ([]ports.Parser, error) {
	c, err := r.ClassFor(d)
	if err != nil {
		return nil, err
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	newParser := r.newParserFunc(c)
	if c.CreateInstances == nil {
		p, err := newParser(baseConfig(c, d))
		if err != nil {
			return nil, err
		}
		return []ports.Parser{p}, nil
	}
	parsers, err := c.CreateInstances(ctx, d, baseConfig(c, d), newParser)
	if err != nil {
		return nil, classifyInstantiation(err, c.Identifier)
	}
	if len(parsers) == 0 {
		return nil, Errorf(ErrInstantiation, "create parser instances", "%s produced no parsers for %s", c.Identifier, d.MediaSource)
	}
	return parsers, nil
}

func baseConfig(c Class, d Descriptor) ports.ParserConfig {
	return ports.ParserConfig{
		Identifier:  c.Identifier,
		MediaType:   d.MediaType,
		MediaSource: d.MediaSource,
	}
}

// classifyInstantiation keeps malformed-source and access errors as they are
// and tags anything else as an instantiation failure.
func classifyInstantiation(err error, class string) error {
	switch Code(err) {
	case CodeInternal:
		return Wrap(ErrInstantiation, "create parser instances", class, err)
	default:
		return err
	}
}
