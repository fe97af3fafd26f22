package product

import (
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/reporthub/reporthub/pkg/configstore"
	"github.com/reporthub/reporthub/pkg/events"
	"github.com/reporthub/reporthub/pkg/log"
	"github.com/reporthub/reporthub/pkg/metrics"
	"github.com/reporthub/reporthub/pkg/types"
)

// reservedEndpoints are path segments claimed by the server's own API
var reservedEndpoints = map[string]bool{
	"products":      true,
	"tasks":         true,
	"auth":          true,
	"notifications": true,
	"metrics":       true,
	"healthz":       true,
}

var endpointPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Handle is the live attachment of one product: its definition, its result
// store connection, and the reference count guarding removal.
type Handle struct {
	mu       sync.Mutex
	cond     *sync.Cond
	product  types.Product
	rs       *ResultStore
	status   types.SchemaStatus
	refs     int
	removing bool
}

func newHandle(p types.Product) *Handle {
	h := &Handle{product: p}
	h.cond = sync.NewCond(&h.mu)
	h.connect()
	return h
}

// connect opens (or reopens) the result store, replacing any previous one
func (h *Handle) connect() {
	if h.rs != nil {
		h.rs.Close()
		h.rs = nil
	}
	h.rs, h.status = openResult(h.product.Connection)
	metrics.ProductSchemaStatus.WithLabelValues(h.product.Endpoint, string(h.status)).Set(1)
}

// Product returns the product definition
func (h *Handle) Product() types.Product {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.product
}

// Status returns the last observed schema status of the result store
func (h *Handle) Status() types.SchemaStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Result returns the result store. Any status other than ok refuses access
// so requests never operate on a foreign or half-migrated schema.
func (h *Handle) Result() (*ResultStore, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status != types.SchemaStatusOK || h.rs == nil {
		return nil, fmt.Errorf("%w: result store unavailable (%s)", types.ErrTransient, h.status)
	}
	return h.rs, nil
}

func (h *Handle) acquire() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.removing {
		return fmt.Errorf("%w: product is being removed", types.ErrConflict)
	}
	h.refs++
	return nil
}

func (h *Handle) release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.refs > 0 {
		h.refs--
	}
	if h.refs == 0 {
		h.cond.Broadcast()
	}
}

// Refs returns the current reference count
func (h *Handle) Refs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refs
}

// drain marks the handle removing and waits until in-flight references are
// released or the deadline passes. Returns false on timeout, with the
// removing mark reverted.
func (h *Handle) drain(timeout time.Duration) bool {
	h.mu.Lock()
	h.removing = true
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.mu.Lock()
		for h.refs > 0 {
			h.cond.Wait()
		}
		h.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		h.mu.Lock()
		h.removing = false
		h.mu.Unlock()
		h.cond.Broadcast()
		return false
	}
}

func (h *Handle) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rs != nil {
		h.rs.Close()
		h.rs = nil
	}
	h.status = types.SchemaStatusDisconnected
}

// Registry is the product multiplexer. It mirrors the products table of the
// configuration store into live handles.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]*Handle
	store   *configstore.Store
	broker  *events.Broker
	log     zerolog.Logger
}

// NewRegistry creates an empty registry over the configuration store
func NewRegistry(store *configstore.Store, broker *events.Broker) *Registry {
	return &Registry{
		handles: make(map[string]*Handle),
		store:   store,
		broker:  broker,
		log:     log.WithComponent("product-registry"),
	}
}

// LoadAll attaches every product found in the configuration store. A result
// store that fails to connect leaves its product attached in the
// disconnected status rather than failing startup.
func (r *Registry) LoadAll() error {
	products, err := r.store.ListProducts()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range products {
		h := newHandle(p)
		r.handles[p.Endpoint] = h
		l := log.WithProduct(r.log, p.Endpoint)
		l.Info().
			Str("schema_status", string(h.Status())).
			Msg("product attached")
	}
	metrics.ProductsTotal.Set(float64(len(r.handles)))
	return nil
}

// ValidateEndpoint checks an endpoint name for syntax and reservations
func ValidateEndpoint(endpoint string) error {
	if !endpointPattern.MatchString(endpoint) {
		return fmt.Errorf("%w: endpoint %q must match %s",
			types.ErrInputMalformed, endpoint, endpointPattern)
	}
	if reservedEndpoints[endpoint] {
		return fmt.Errorf("%w: endpoint %q is reserved", types.ErrInputMalformed, endpoint)
	}
	return nil
}

// Add validates, persists and attaches a new product. The result database
// is connected immediately; a fresh database gets the schema created, an
// unreachable one leaves the product attached as disconnected.
func (r *Registry) Add(p types.Product) (*Handle, error) {
	if err := ValidateEndpoint(p.Endpoint); err != nil {
		return nil, err
	}
	if p.DisplayName == "" {
		p.DisplayName = p.Endpoint
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handles[p.Endpoint]; ok {
		return nil, fmt.Errorf("%w: product endpoint %q already exists", types.ErrConflict, p.Endpoint)
	}
	if err := r.store.CreateProduct(p); err != nil {
		return nil, err
	}

	h := newHandle(p)
	r.handles[p.Endpoint] = h
	metrics.ProductsTotal.Set(float64(len(r.handles)))
	l := log.WithProduct(r.log, p.Endpoint)
	l.Info().
		Str("schema_status", string(h.Status())).
		Msg("product added")
	r.broker.Publish(&events.Event{
		Type:     events.EventProductAdded,
		Message:  p.Endpoint,
		Metadata: map[string]string{"product": p.Endpoint},
	})
	return h, nil
}

// Get returns the handle mounted at the endpoint without taking a reference
func (r *Registry) Get(endpoint string) (*Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[endpoint]
	if !ok {
		return nil, fmt.Errorf("%w: product %q", types.ErrNotFound, endpoint)
	}
	return h, nil
}

// Acquire returns the handle with a reference taken. Callers must Release.
func (r *Registry) Acquire(endpoint string) (*Handle, error) {
	h, err := r.Get(endpoint)
	if err != nil {
		return nil, err
	}
	if err := h.acquire(); err != nil {
		return nil, err
	}
	return h, nil
}

// Release drops a reference taken by Acquire
func (r *Registry) Release(h *Handle) {
	h.release()
}

// Edit applies a patch to a product. A connection change reconnects the
// result store.
func (r *Registry) Edit(endpoint string, patch types.ProductPatch) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[endpoint]
	if !ok {
		return nil, fmt.Errorf("%w: product %q", types.ErrNotFound, endpoint)
	}

	h.mu.Lock()
	p := h.product
	if patch.DisplayName != nil {
		p.DisplayName = *patch.DisplayName
	}
	if patch.Description != nil {
		p.Description = *patch.Description
	}
	reconnect := false
	if patch.Connection != nil {
		p.Connection = *patch.Connection
		reconnect = true
	}
	h.mu.Unlock()

	if err := r.store.UpdateProduct(p); err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.product = p
	if reconnect {
		h.connect()
	}
	h.mu.Unlock()

	l := log.WithProduct(r.log, endpoint)
	l.Info().Msg("product edited")
	r.broker.Publish(&events.Event{
		Type:     events.EventProductEdited,
		Message:  endpoint,
		Metadata: map[string]string{"product": endpoint},
	})
	return h, nil
}

// Reconnect re-opens a product's result store, refreshing its schema status
func (r *Registry) Reconnect(endpoint string) (types.SchemaStatus, error) {
	h, err := r.Get(endpoint)
	if err != nil {
		return "", err
	}
	h.mu.Lock()
	h.connect()
	status := h.status
	h.mu.Unlock()
	return status, nil
}

// Remove drains, detaches and deletes a product. The configuration row and
// its permission grants go; the result database itself is never dropped.
// Returns ErrConflict when in-flight references do not drain in time.
func (r *Registry) Remove(endpoint string, drainTimeout time.Duration) error {
	r.mu.RLock()
	h, ok := r.handles[endpoint]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: product %q", types.ErrNotFound, endpoint)
	}

	if !h.drain(drainTimeout) {
		return fmt.Errorf("%w: product %q is in use", types.ErrConflict, endpoint)
	}

	if err := r.store.DeleteProduct(endpoint); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.handles, endpoint)
	metrics.ProductsTotal.Set(float64(len(r.handles)))
	r.mu.Unlock()

	h.close()
	l := log.WithProduct(r.log, endpoint)
	l.Info().Msg("product removed")
	r.broker.Publish(&events.Event{
		Type:     events.EventProductRemoved,
		Message:  endpoint,
		Metadata: map[string]string{"product": endpoint},
	})
	return nil
}

// List returns every attached product with its live schema status
func (r *Registry) List() []types.ProductSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	summaries := make([]types.ProductSummary, 0, len(r.handles))
	for _, h := range r.handles {
		summaries = append(summaries, types.ProductSummary{
			Product:      h.Product(),
			SchemaStatus: h.Status(),
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].Endpoint < summaries[j].Endpoint
	})
	return summaries
}

// Close detaches every product
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.handles {
		h.close()
	}
	r.handles = make(map[string]*Handle)
}
