package registry

import (
	"github.com/tapestry-hosting/tapestry/pkg/guestcall"
	"github.com/tapestry-hosting/tapestry/pkg/phase"
)

// APIRegistry holds one callable per (extensionId, name) function capability.
type APIRegistry = Registry[guestcall.Callable]

// NewAPIRegistry constructs the API registry. Per spec §4.2 it opens at
// REGISTRATION.
func NewAPIRegistry(gate phaseGate, declared []DeclaredCapability) (*APIRegistry, error) {
	return New[guestcall.Callable](KindAPI, gate, phase.Registration, declared)
}

// ServiceRegistry holds one callable per (extensionId, name) service
// capability; like API it opens at REGISTRATION.
type ServiceRegistry = Registry[guestcall.Callable]

func NewServiceRegistry(gate phaseGate, declared []DeclaredCapability) (*ServiceRegistry, error) {
	return New[guestcall.Callable](KindService, gate, phase.Registration, declared)
}

// HookRegistry holds one callable per (extensionId, name) hook capability.
// Hooks open at TS_REGISTER per spec §4.2's "(or TS_REGISTER for hooks/types,
// as the phase schedule dictates)".
type HookRegistry = Registry[guestcall.Callable]

func NewHookRegistry(gate phaseGate, declared []DeclaredCapability) (*HookRegistry, error) {
	return New[guestcall.Callable](KindHook, gate, phase.TSRegister, declared)
}

// TypeRegistry holds the exported type-module text for each (extensionId,
// name) type capability; also opens at TS_REGISTER.
type TypeRegistry = Registry[string]

func NewTypeRegistry(gate phaseGate, declared []DeclaredCapability) (*TypeRegistry, error) {
	return New[string](KindType, gate, phase.TSRegister, declared)
}
