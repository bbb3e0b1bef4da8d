// Package observability bundles this runtime's ambient tracing and metrics
// concerns: a Jaeger tracer pool adapted from the tracing demo's GetTracer
// helper, and an HTTP admin router (gorilla/mux) exposing Prometheus
// metrics and a liveness probe, adapted from the front-end service's
// mux.Router wiring and the prom_http counter example.
package observability

import (
	"io"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/opentracing/opentracing-go"
	"github.com/uber/jaeger-client-go"
	jaegercfg "github.com/uber/jaeger-client-go/config"
)

// TracerPool tracks every tracer handed out by NewTracer so a process can
// flush and close them all at shutdown.
type TracerPool struct {
	mu      sync.Mutex
	closers []io.Closer
}

// Close flushes and closes every tracer this pool has vended.
func (p *TracerPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	for _, c := range p.closers {
		if cErr := c.Close(); cErr != nil {
			err = multierror.Append(err, cErr)
		}
	}
	p.closers = nil
	return err
}

// NewTracer builds a Jaeger tracer for one component (e.g. "master" or a
// worker's executor id), configured from the standard Jaeger environment
// variables, sampling every span so a task group's read/execute/write path
// is always traceable end to end.
func (p *TracerPool) NewTracer(serviceName string) (opentracing.Tracer, error) {
	cfg, err := jaegercfg.FromEnv()
	if err != nil {
		return nil, err
	}
	cfg.Sampler = &jaegercfg.SamplerConfig{Type: jaeger.SamplerTypeConst, Param: 1}
	cfg.ServiceName = serviceName

	tracer, closer, err := cfg.NewTracer()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.closers = append(p.closers, closer)
	p.mu.Unlock()
	return tracer, nil
}
