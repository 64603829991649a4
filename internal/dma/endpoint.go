package dma

import "github.com/veos-project/veos-core/internal/uapi"

// Endpoint names one side of a transfer: an address plus the address
// space it is resolved in. PID is only meaningful for the two
// task-relative tags (VEMVA/VHVA); it identifies whose page tables the
// address is walked through.
type Endpoint struct {
	Tag  uapi.AddrSpaceTag
	Addr uint64
	PID  int32
}

// VEVirtual builds an endpoint addressed through a VE task's own page
// tables.
func VEVirtual(pid int32, addr uint64) Endpoint {
	return Endpoint{Tag: uapi.TagVEMVA, PID: pid, Addr: addr}
}

// VEPhysical builds an endpoint addressed as a VE absolute (physical)
// address, bypassing page tables.
func VEPhysical(addr uint64) Endpoint {
	return Endpoint{Tag: uapi.TagVEMAA, Addr: addr}
}

// VHVirtual builds an endpoint addressed through a host process's own
// page tables.
func VHVirtual(pid int32, addr uint64) Endpoint {
	return Endpoint{Tag: uapi.TagVHVA, PID: pid, Addr: addr}
}

// VHPhysical builds an endpoint addressed as a host system-bus absolute
// address.
func VHPhysical(addr uint64) Endpoint {
	return Endpoint{Tag: uapi.TagVHSAA, Addr: addr}
}

// VERegister builds an endpoint addressed through the VE's MMIO register
// window.
func VERegister(addr uint64) Endpoint {
	return Endpoint{Tag: uapi.TagVERAA, Addr: addr}
}

// withAddr returns a copy of e at a different address, keeping its tag
// and PID. Used by reqlist splitting to advance an endpoint across
// entries without losing its task association.
func (e Endpoint) withAddr(addr uint64) Endpoint {
	e.Addr = addr
	return e
}
