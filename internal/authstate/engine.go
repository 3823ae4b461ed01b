package authstate

import "github.com/valinor-ai/authguard/internal/probe"

// AdminField is the payload field of the admin status endpoint.
const AdminField = "isAdmin"

// Engine pairs a cache with the coordinator that fills it. One Engine
// answers one authorization question.
type Engine struct {
	Cache       *Cache
	Coordinator *Coordinator
}

func NewEngine(transport probe.Transport, cacheCfg CacheConfig, coordCfg CoordinatorConfig) *Engine {
	cache := NewCache(cacheCfg)
	return &Engine{
		Cache:       cache,
		Coordinator: NewCoordinator(cache, transport, coordCfg),
	}
}

// NewAdminCheck builds the "is-admin" flavour: same engine, keyed
// separately, reading AdminField from target.
func NewAdminCheck(transport probe.Transport, target string, cacheCfg CacheConfig, coordCfg CoordinatorConfig) *Engine {
	cacheCfg.Key = "admin"
	cacheCfg.Bus = nil
	coordCfg.Target = target
	coordCfg.Field = AdminField
	return NewEngine(transport, cacheCfg, coordCfg)
}
