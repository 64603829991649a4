package dma

import (
	"fmt"

	"github.com/veos-project/veos-core/internal/uapi"
)

// Translator resolves a task-relative virtual address to the physical
// address currently backing it, the page-table walk ve_dma_post_p_va
// performs on VEMVA/VEMVAWOP/VHVA endpoints before a reqlist entry is
// allowed onto the ring. VEMVAWOP callers skip the VE's write-protection
// check during the walk but still resolve through the same table.
type Translator interface {
	Translate(pid int32, tag uapi.AddrSpaceTag, addr uint64) (uint64, error)
}

// IdentityTranslator resolves every virtual address to itself. It is the
// daemon's production translator: without a real kernel mm to consult,
// this host has no page tables to walk, so every VE/host task is treated
// as already running with an identity-mapped address space. A host with
// real page tables to consult would implement Translator against them.
type IdentityTranslator struct{}

func (IdentityTranslator) Translate(_ int32, _ uapi.AddrSpaceTag, addr uint64) (uint64, error) {
	return addr, nil
}

// physicalTag reports the physical address space a virtual tag resolves
// into, or tag unchanged if it is already physical.
func physicalTag(tag uapi.AddrSpaceTag) uapi.AddrSpaceTag {
	switch tag {
	case uapi.TagVEMVA, uapi.TagVEMVAWOP:
		return uapi.TagVEMAA
	case uapi.TagVHVA:
		return uapi.TagVHSAA
	default:
		return tag
	}
}

// ResolvePhysical translates every virtual endpoint in entries to its
// physical address via translator, the step BuildReqList's page-aligned
// split leaves for the caller to perform once the task whose page tables
// to walk is known. An entry whose translation fails keeps its Err set
// rather than being dropped, so Engine.Post can complete it with that
// error instead of ever writing it to the ring.
func ResolvePhysical(entries []ReqListEntry, translator Translator) []ReqListEntry {
	out := make([]ReqListEntry, len(entries))
	for i, e := range entries {
		out[i] = e
		if out[i].Err != nil {
			continue
		}
		src, err := resolveEndpoint(e.Src, translator)
		if err != nil {
			out[i].Err = err
			continue
		}
		dst, err := resolveEndpoint(e.Dst, translator)
		if err != nil {
			out[i].Err = err
			continue
		}
		out[i].Src = src
		out[i].Dst = dst
	}
	return out
}

func resolveEndpoint(e Endpoint, translator Translator) (Endpoint, error) {
	phys := physicalTag(e.Tag)
	if phys == e.Tag {
		return e, nil
	}
	if translator == nil {
		return Endpoint{}, fmt.Errorf("dma: %s address requires a translator", e.Tag)
	}
	addr, err := translator.Translate(e.PID, e.Tag, e.Addr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("dma: translating %s addr %#x for pid %d: %w", e.Tag, e.Addr, e.PID, err)
	}
	return Endpoint{Tag: phys, Addr: addr, PID: e.PID}, nil
}
