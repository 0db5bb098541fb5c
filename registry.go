package pollqueue

import (
	"context"
	"slices"
	"sync"

	"github.com/domonda/go-errs"
)

type registry struct {
	mtx  sync.RWMutex
	defs map[string]*Definition
}

func (r *registry) set(def *Definition) (replaced bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if r.defs == nil {
		r.defs = make(map[string]*Definition)
	}
	_, replaced = r.defs[def.Name]
	r.defs[def.Name] = def
	return replaced
}

func (r *registry) get(name string) (*Definition, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	def, ok := r.defs[name]
	return def, ok
}

func (r *registry) names() []string {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (r *registry) remove(names ...string) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if len(names) == 0 {
		clear(r.defs)
		return
	}
	for _, name := range names {
		delete(r.defs, name)
	}
}

// Register a Definition.
// A previous Definition with the same name is replaced.
// Listeners are notified with OnJobRegistered.
func (q *Queue) Register(def *Definition) (err error) {
	defer errs.WrapWithFuncParams(&err, def)

	err = def.validate()
	if err != nil {
		return err
	}
	// Copy so later changes by the caller don't race with workers
	c := *def
	def = &c

	if q.registry.set(def) {
		log.Debug("Replaced job definition").Str("job", def.Name).Log()
	} else {
		log.Debug("Registered job definition").Str("job", def.Name).Log()
	}
	q.listeners.jobRegistered(context.Background(), def)
	return nil
}

// RegisterFunc uses reflection to register a function with a custom
// payload argument type as Handler for jobs with the passed name.
// If name is empty, then ReflectJobName of the payload type is used.
// See HandlerFromFunc for the supported function signatures.
func (q *Queue) RegisterFunc(name string, fn any) (err error) {
	defer errs.WrapWithFuncParams(&err, name, fn)

	handler, payloadType, err := HandlerFromFunc(fn)
	if err != nil {
		return err
	}
	if name == "" {
		name = JobNameOfPayloadType(payloadType)
	}
	return q.Register(&Definition{Name: name, Handler: handler})
}

// Unregister removes the definitions with the passed names
// or all definitions if no names are passed.
// Waiting jobs of unregistered definitions are not claimed anymore.
func (q *Queue) Unregister(names ...string) {
	if len(names) > 0 {
		log.Debug("Unregister job definitions").Strs("jobs", names).Log()
	} else {
		log.Debug("Unregister all job definitions").Log()
	}
	q.registry.remove(names...)
}

// IsRegistered checks if a Definition with the name is registered.
func (q *Queue) IsRegistered(name string) bool {
	_, ok := q.registry.get(name)
	return ok
}

// RegisteredNames returns the sorted names of all registered definitions.
func (q *Queue) RegisteredNames() []string {
	return q.registry.names()
}

// Definition returns the registered Definition with the name or false.
func (q *Queue) Definition(name string) (Definition, bool) {
	def, ok := q.registry.get(name)
	if !ok {
		return Definition{}, false
	}
	return *def, true
}
