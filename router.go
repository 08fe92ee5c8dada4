package bottleneck

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// RouteKey identifies a request family: a short ordered sequence of strings
// matched exactly against registered routes.
type RouteKey []string

// String renders the key for error messages and logs.
func (k RouteKey) String() string {
	return strings.Join(k, "/")
}

// encode produces a collision-free map key. Joining with a separator would
// conflate {"a/b"} with {"a","b"}, so each element is length-prefixed.
func (k RouteKey) encode() string {
	var sb strings.Builder
	for _, part := range k {
		sb.WriteString(strconv.Itoa(len(part)))
		sb.WriteByte(':')
		sb.WriteString(part)
	}
	return sb.String()
}

// PreprocessFunc shapes caller arguments into a request payload for the
// executor plus opaque static info held by the router until the response is
// polled. It runs on the caller's goroutine and must be stateless.
type PreprocessFunc func(args map[string]any) (payload any, static any, err error)

// PostprocessFunc rewrites a successful response in place using the static
// info produced at submission. It runs on the polling caller's goroutine,
// exactly once per request, and must be stateless. Failures are reported by
// calling resp.Errorify rather than panicking.
type PostprocessFunc func(resp *Response, static any)

// route binds a key to its processor pair and target executor.
type route struct {
	pre  PreprocessFunc
	post PostprocessFunc
	tag  string
}

// inflight is the per-request state the router keeps between submission and
// the first resolved poll.
type inflight struct {
	static any
	post   PostprocessFunc
}

// Router dispatches differently-shaped request families, identified by route
// keys, to a set of named executors, applying stateless pre/post-processing
// around each request. It adds no locking beyond its own registry and
// in-flight maps.
type Router struct {
	logger Logger

	mu        sync.Mutex
	executors map[string]*Executor
	routes    map[string]*route
	pending   map[string]*inflight
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithRouterLogger sets the router's logger.
func WithRouterLogger(logger Logger) RouterOption {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRouter creates a router over a set of executors keyed by tag. Tags must
// be non-empty; the executor map is copied.
func NewRouter(executors map[string]*Executor, opts ...RouterOption) (*Router, error) {
	r := &Router{
		logger:    nopLogger{},
		executors: make(map[string]*Executor, len(executors)),
		routes:    make(map[string]*route),
		pending:   make(map[string]*inflight),
	}
	for tag, exec := range executors {
		if tag == "" {
			return nil, fmt.Errorf("bottleneck: empty executor tag")
		}
		if exec == nil {
			return nil, fmt.Errorf("bottleneck: nil executor for tag %q", tag)
		}
		r.executors[tag] = exec
	}
	if len(r.executors) == 0 {
		return nil, fmt.Errorf("bottleneck: router needs at least one executor")
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Register binds a route key to a preprocessor, an optional postprocessor,
// and a target executor tag. An empty tag is allowed when the router holds
// exactly one executor. Registering a key twice fails with ErrRouteExists.
func (r *Router) Register(key RouteKey, pre PreprocessFunc, post PostprocessFunc, tag string) error {
	if len(key) == 0 {
		return fmt.Errorf("bottleneck: empty route key")
	}
	if pre == nil {
		return fmt.Errorf("bottleneck: route %q needs a preprocessor", key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if tag == "" {
		if len(r.executors) != 1 {
			return fmt.Errorf("%w: route %q needs an explicit tag with %d executors",
				ErrExecutorNotFound, key, len(r.executors))
		}
		for only := range r.executors {
			tag = only
		}
	} else if _, ok := r.executors[tag]; !ok {
		return fmt.Errorf("%w: %q", ErrExecutorNotFound, tag)
	}

	encoded := key.encode()
	if _, ok := r.routes[encoded]; ok {
		return fmt.Errorf("%w: %q", ErrRouteExists, key)
	}
	r.routes[encoded] = &route{pre: pre, post: post, tag: tag}
	r.logger.Debug("route registered", "key", key.String(), "executor", tag)
	return nil
}

// QueueRequest runs the key's preprocessor on the arguments, submits the
// resulting payload to the route's executor, and returns a composite token
// addressing that executor. Preprocessor errors are returned unwrapped to the
// caller and leave no state behind.
func (r *Router) QueueRequest(key RouteKey, args map[string]any) (string, error) {
	r.mu.Lock()
	rt, ok := r.routes[key.encode()]
	r.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrRouteNotFound, key)
	}

	payload, static, err := rt.pre(args)
	if err != nil {
		return "", err
	}

	exec := r.executor(rt.tag)
	raw, err := exec.QueueRequest(payload)
	if err != nil {
		return "", err
	}

	token := composeToken(rt.tag, raw)
	if rt.post != nil {
		r.mu.Lock()
		r.pending[token] = &inflight{static: static, post: rt.post}
		r.mu.Unlock()
	}
	return token, nil
}

// PollResponse polls the executor addressed by the composite token. A
// successful response is rewritten by the route's postprocessor on the first
// resolved poll only; later polls return the already-rewritten Response
// untouched. Error and cancelled responses pass through unchanged.
func (r *Router) PollResponse(token string) (resp *Response, resolved bool, err error) {
	tag, raw, err := splitToken(token)
	if err != nil {
		return nil, false, err
	}
	exec := r.executor(tag)
	if exec == nil {
		return nil, false, fmt.Errorf("%w: %q", ErrExecutorNotFound, tag)
	}

	resp, resolved, err = exec.PollResponse(raw)
	if err != nil || !resolved {
		return nil, false, err
	}

	// Consume the in-flight entry under the lock so the postprocessor runs
	// exactly once even with concurrent pollers.
	r.mu.Lock()
	entry, ok := r.pending[token]
	if ok {
		delete(r.pending, token)
		if resp.OK() {
			entry.post(resp, entry.static)
		}
	}
	r.mu.Unlock()
	return resp, true, nil
}

// CancelRequest forwards a cancellation to the executor addressed by the
// composite token.
func (r *Router) CancelRequest(token string) error {
	tag, raw, err := splitToken(token)
	if err != nil {
		return err
	}
	exec := r.executor(tag)
	if exec == nil {
		return fmt.Errorf("%w: %q", ErrExecutorNotFound, tag)
	}
	return exec.CancelRequest(raw)
}

// StartAll starts every executor. On failure the already-started ones are
// stopped again.
func (r *Router) StartAll() error {
	g := new(errgroup.Group)
	for tag, exec := range r.executors {
		g.Go(func() error {
			if err := exec.Start(); err != nil {
				return fmt.Errorf("executor %q: %w", tag, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		r.StopAll()
		return err
	}
	return nil
}

// StopAll stops every executor and returns once all workers have exited.
func (r *Router) StopAll() {
	var wg sync.WaitGroup
	for _, exec := range r.executors {
		wg.Add(1)
		go func() {
			defer wg.Done()
			exec.Stop()
		}()
	}
	wg.Wait()
}

func (r *Router) executor(tag string) *Executor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.executors[tag]
}

// composeToken encodes (executor tag, raw token) unambiguously. The tag is
// length-prefixed so raw tokens may contain any characters, including the
// separator.
func composeToken(tag, raw string) string {
	return strconv.Itoa(len(tag)) + ":" + tag + raw
}

// splitToken reverses composeToken.
func splitToken(token string) (tag, raw string, err error) {
	sep := strings.IndexByte(token, ':')
	if sep <= 0 {
		return "", "", fmt.Errorf("%w: %q", ErrBadCompositeToken, token)
	}
	n, err := strconv.Atoi(token[:sep])
	if err != nil || n <= 0 || sep+1+n > len(token) {
		return "", "", fmt.Errorf("%w: %q", ErrBadCompositeToken, token)
	}
	return token[sep+1 : sep+1+n], token[sep+1+n:], nil
}
