package dma

import (
	"fmt"

	"github.com/veos-project/veos-core/internal/constants"
	"github.com/veos-project/veos-core/internal/uapi"
)

// ReqListEntry is one ring-postable span of a larger transfer: a single
// descriptor's worth of src/dst addresses and a length that does not
// cross either side's page boundary. Err is set by ResolvePhysical when
// one of the entry's virtual endpoints fails page-table translation;
// such an entry is never written to the ring, but still completes its
// caller's Wait with that error, mirroring how ve_dma_post_p_va marks a
// translation fault ERROR before posting rather than silently dropping
// the whole request.
type ReqListEntry struct {
	Src    Endpoint
	Dst    Endpoint
	Length int64
	Err    error
}

// BuildReqList splits a transfer from src to dst of the given length into
// a sequence of entries, each short enough that neither endpoint crosses
// a page boundary within one entry. A hardware descriptor only ever
// carries one page's worth on each side; crossing a boundary mid-descriptor
// would have the engine DMA across two unrelated physical pages as if
// they were contiguous.
func BuildReqList(src, dst Endpoint, length int64) ([]ReqListEntry, error) {
	if length <= 0 {
		return nil, fmt.Errorf("reqlist: length must be positive, got %d", length)
	}
	if length > constants.MaxTransferLen {
		return nil, fmt.Errorf("reqlist: length %d exceeds max transfer length %d", length, constants.MaxTransferLen)
	}

	var entries []ReqListEntry
	remaining := length
	srcAddr, dstAddr := src.Addr, dst.Addr

	for remaining > 0 {
		span := spanToBoundary(srcAddr, src.Tag)
		if s := spanToBoundary(dstAddr, dst.Tag); s < span {
			span = s
		}
		if span > remaining {
			span = remaining
		}

		entries = append(entries, ReqListEntry{
			Src:    src.withAddr(srcAddr),
			Dst:    dst.withAddr(dstAddr),
			Length: span,
		})

		srcAddr += uint64(span)
		dstAddr += uint64(span)
		remaining -= span
	}

	return entries, nil
}

// spanToBoundary returns how many bytes remain between addr and the next
// page boundary above it, for the page size that applies to tag. Register
// and non-paged absolute-address tags have no boundary to honor, so they
// span the whole remaining length (capped by the caller).
func spanToBoundary(addr uint64, tag uapi.AddrSpaceTag) int64 {
	var pageSize uint64
	switch tag {
	case uapi.TagVEMVA, uapi.TagVEMVAWOP, uapi.TagVEMAA:
		pageSize = constants.VEPageSize
	case uapi.TagVHVA, uapi.TagVHSAA, uapi.TagVHSHM:
		pageSize = constants.HostPageSize
	default:
		return constants.MaxTransferLen
	}
	off := addr % pageSize
	return int64(pageSize - off)
}
