package services

import (
	"github.com/fyrsmithlabs/opspilot/internal/loop"
	"github.com/fyrsmithlabs/opspilot/internal/patterns"
	"github.com/fyrsmithlabs/opspilot/internal/session"
	"github.com/fyrsmithlabs/opspilot/internal/workflow"
)

// Registry provides access to all opspilot services.
// Use accessor methods to retrieve individual services.
type Registry interface {
	Sessions() session.Store
	Engine() *workflow.Engine
	Loop() *loop.Controller
	Patterns() *patterns.Service
	Oracle() loop.Oracle
	Executor() loop.ActionExecutor
}

// Options configures the registry with service instances.
type Options struct {
	Sessions session.Store
	Engine   *workflow.Engine
	Loop     *loop.Controller
	Patterns *patterns.Service
	Oracle   loop.Oracle
	Executor loop.ActionExecutor
}

// registry is the concrete implementation of Registry.
type registry struct {
	sessions session.Store
	engine   *workflow.Engine
	loop     *loop.Controller
	patterns *patterns.Service
	oracle   loop.Oracle
	executor loop.ActionExecutor
}

// NewRegistry creates a new service registry.
func NewRegistry(opts Options) Registry {
	return &registry{
		sessions: opts.Sessions,
		engine:   opts.Engine,
		loop:     opts.Loop,
		patterns: opts.Patterns,
		oracle:   opts.Oracle,
		executor: opts.Executor,
	}
}

func (r *registry) Sessions() session.Store        { return r.sessions }
func (r *registry) Engine() *workflow.Engine       { return r.engine }
func (r *registry) Loop() *loop.Controller         { return r.loop }
func (r *registry) Patterns() *patterns.Service    { return r.patterns }
func (r *registry) Oracle() loop.Oracle            { return r.oracle }
func (r *registry) Executor() loop.ActionExecutor  { return r.executor }
